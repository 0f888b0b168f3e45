package config

import (
	"context"
	"fmt"

	"github.com/marmos91/mimic/pkg/auth"
	"github.com/marmos91/mimic/pkg/store/cold"
	coldbadger "github.com/marmos91/mimic/pkg/store/cold/badger"
	coldmem "github.com/marmos91/mimic/pkg/store/cold/memory"
	colds3 "github.com/marmos91/mimic/pkg/store/cold/s3"
	"github.com/marmos91/mimic/pkg/store/hot"
	hotbadger "github.com/marmos91/mimic/pkg/store/hot/badger"
	hotmem "github.com/marmos91/mimic/pkg/store/hot/memory"
)

// CreateHotStore builds the write-ahead log store the configuration selects.
func (c *Config) CreateHotStore() (hot.Store, error) {
	switch c.Store.Hot.Driver {
	case "memory":
		return hotmem.New(), nil
	case "badger":
		store, err := hotbadger.Open(c.Store.Hot.Path)
		if err != nil {
			return nil, fmt.Errorf("opening badger hot store at %q: %w", c.Store.Hot.Path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown hot store driver %q", c.Store.Hot.Driver)
	}
}

// CreateColdStore builds the snapshot store the configuration selects.
func (c *Config) CreateColdStore(ctx context.Context) (cold.Store, error) {
	switch c.Store.Cold.Driver {
	case "memory":
		return coldmem.New(), nil
	case "badger":
		store, err := coldbadger.Open(c.Store.Cold.Path)
		if err != nil {
			return nil, fmt.Errorf("opening badger cold store at %q: %w", c.Store.Cold.Path, err)
		}
		return store, nil
	case "s3":
		store, err := colds3.NewFromConfig(ctx, colds3.Config{
			Bucket:          c.Store.Cold.S3.Bucket,
			KeyPrefix:       c.Store.Cold.S3.KeyPrefix,
			Region:          c.Store.Cold.S3.Region,
			Endpoint:        c.Store.Cold.S3.Endpoint,
			ForcePathStyle:  c.Store.Cold.S3.ForcePathStyle,
			AccessKeyID:     c.Store.Cold.S3.AccessKeyID,
			SecretAccessKey: c.Store.Cold.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("building s3 cold store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cold store driver %q", c.Store.Cold.Driver)
	}
}

// CreateAuthProvider builds the authentication provider the configuration
// selects.
func (c *Config) CreateAuthProvider() (auth.Provider, error) {
	switch c.Auth.Provider {
	case "static":
		tokens := make(map[string]auth.Identity, len(c.Auth.Tokens))
		for token, id := range c.Auth.Tokens {
			tokens[token] = auth.Identity{
				UserID:     id.UserID,
				Permission: auth.Permission(id.Permission),
			}
		}
		return auth.NewStaticProvider(tokens), nil
	case "jwt":
		provider, err := auth.NewJWTProvider([]byte(c.Auth.JWT.Secret))
		if err != nil {
			return nil, fmt.Errorf("building jwt auth provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", c.Auth.Provider)
	}
}
