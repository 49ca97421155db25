// Package image stages OCI image contents into local worker scratch
// directories, preferring pre-seeded tarballs over registry pulls so
// air-gapped CI agents keep working.
package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rancher/wharfie/pkg/extract"
	"github.com/rancher/wharfie/pkg/registries"
	"github.com/rancher/wharfie/pkg/tarfile"
	"github.com/sirupsen/logrus"
)

// Utility resolves and unpacks images. An empty imagesDir skips the tarball
// lookup; an empty registriesFile means anonymous pulls plus whatever the
// docker config provides.
type Utility struct {
	imagesDir        string
	registriesFile   string
	dockerConfigFile string
}

func NewUtility(imagesDir, registriesFile, dockerConfigFile string) *Utility {
	return &Utility{
		imagesDir:        imagesDir,
		registriesFile:   registriesFile,
		dockerConfigFile: dockerConfigFile,
	}
}

// Stage extracts the image filesystem into destDir.
func (u *Utility) Stage(destDir, imgString string) error {
	image, err := name.ParseReference(imgString)
	if err != nil {
		return err
	}

	var img v1.Image
	if u.imagesDir != "" {
		dir, err := filepath.Abs(u.imagesDir)
		if err != nil {
			return err
		}
		img, err = tarfile.FindImage(dir, image)
		if err != nil && !errors.Is(err, tarfile.ErrNotFound) {
			return err
		}
	}

	if img == nil {
		registry, err := registries.GetPrivateRegistries(u.registriesFile)
		if err != nil {
			return err
		}

		keychains := []authn.Keychain{registry}
		if u.dockerConfigFile != "" {
			data, err := os.ReadFile(u.dockerConfigFile)
			if err != nil {
				return fmt.Errorf("error reading docker config %s: %w", u.dockerConfigFile, err)
			}
			keychains = append(keychains, &dockerKeychain{configJSON: data})
		}
		keychains = append(keychains, authn.DefaultKeychain)

		logrus.Infof("[image] pulling image %s", image.Name())
		img, err = remote.Image(registry.Rewrite(image), remote.WithAuthFromKeychain(authn.NewMultiKeychain(keychains...)), remote.WithTransport(registry))
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", image.Name(), err)
		}
	}

	logrus.Debugf("[image] extracting image %s to %s", image.Name(), destDir)
	return extract.Extract(img, destDir)
}
