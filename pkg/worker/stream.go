package worker

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// streamLogs scans lines from the reader into the output buffer while also
// logging each one under the given prefix, so command output shows up in the
// CI log as it happens and still lands in the captured result.
func streamLogs(prefix string, outputBuffer *bytes.Buffer, reader io.Reader, lock *sync.Mutex) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logrus.Infof("%s: %s", prefix, scanner.Text())
		lock.Lock()
		outputBuffer.Write(append(scanner.Bytes(), []byte("\n")...))
		lock.Unlock()
	}
	return scanner.Err()
}
