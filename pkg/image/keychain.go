package image

import (
	"bytes"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/types"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// dockerKeychain resolves registry credentials from an explicit docker
// config blob. CI agents get their pull credentials injected as a file, not
// as ambient state in the invoking user's home directory.
type dockerKeychain struct {
	configJSON []byte
}

func (k *dockerKeychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	cf, err := config.LoadFromReader(bytes.NewReader(k.configJSON))
	if err != nil {
		return nil, err
	}

	// docker config files key the default registry under a special name,
	// see https://github.com/moby/moby/blob/fc01c2b481097a6057bec3cd1ab2d7b4488c50c4/registry/config.go#L397-L404
	key := target.RegistryStr()
	if key == name.DefaultRegistry {
		key = authn.DefaultAuthKey
	}

	cfg, err := cf.GetAuthConfig(key)
	if err != nil {
		return nil, err
	}

	empty := types.AuthConfig{}
	if cfg == empty {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
	}), nil
}
