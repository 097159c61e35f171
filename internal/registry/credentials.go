/*
Copyright 2024 Domino Data Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/sirupsen/logrus"

	"github.com/dominodatalab/registry-janitor/internal/config"
)

// SecretLookup resolves a named secret from the orchestration platform's
// secret store into (username, password). Implemented with client-go in the
// cluster package; injected here so this package stays independent of
// Kubernetes.
type SecretLookup func(ctx context.Context, name string) (username, password string, err error)

// TokenProvider returns a short-lived bearer token for provider-managed
// registries (ECR, ACR). Token acquisition itself is an external
// collaborator; the client only consumes the callback.
type TokenProvider func(ctx context.Context) (string, error)

// ResolveAuthenticator picks registry credentials in priority order: explicit
// config (which may come from the environment), a named platform secret, then
// a provider token callback. Falls back to anonymous access.
func ResolveAuthenticator(
	ctx context.Context,
	cfg config.RegistryConfig,
	secrets SecretLookup,
	tokens TokenProvider,
) (authn.Authenticator, error) {
	if cfg.Username != "" {
		logrus.Debug("Using static registry credentials")
		return authn.FromConfig(authn.AuthConfig{
			Username: cfg.Username,
			Password: cfg.Password,
		}), nil
	}

	if cfg.AuthSecret != "" {
		if secrets == nil {
			return nil, fmt.Errorf("registry auth secret %q configured but no secret store available", cfg.AuthSecret)
		}
		user, pass, err := secrets(ctx, cfg.AuthSecret)
		if err != nil {
			return nil, fmt.Errorf("reading registry auth secret %q: %w", cfg.AuthSecret, err)
		}
		logrus.Debugf("Using registry credentials from secret %q", cfg.AuthSecret)
		return authn.FromConfig(authn.AuthConfig{
			Username: user,
			Password: pass,
		}), nil
	}

	if tokens != nil {
		tok, err := tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring registry token: %w", err)
		}
		logrus.Debug("Using provider-issued registry token")
		return authn.FromConfig(authn.AuthConfig{RegistryToken: tok}), nil
	}

	logrus.Debug("No registry credentials configured, using anonymous access")
	return authn.Anonymous, nil
}
