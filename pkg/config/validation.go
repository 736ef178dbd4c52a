package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittodrive/pkg/encrypt"
	storageBadger "github.com/marmos91/dittodrive/pkg/storage/badger"
	"github.com/mitchellh/mapstructure"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// namespaceDirs are the root directories created with a default store.
var namespaceDirs = map[string]bool{"Owner": true, "Group": true, "World": true}

// Validate validates the configuration using struct tags and custom rules.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.DefaultStore != "" {
		if _, ok := cfg.Stores[cfg.DefaultStore]; !ok {
			return fmt.Errorf("default_store: unknown store %q", cfg.DefaultStore)
		}
		if cfg.Drive.UserID == "" {
			return fmt.Errorf("drive.user_id: required when default_store is set")
		}
	}

	if err := validateBadgerStores(cfg); err != nil {
		return err
	}

	aliases := make(map[string]bool)
	stores := make(map[string]string)
	for i, svc := range cfg.Services {
		if aliases[svc.Alias] {
			return fmt.Errorf("services[%d]: duplicate alias %q", i, svc.Alias)
		}
		aliases[svc.Alias] = true

		if _, ok := cfg.Stores[svc.Store]; !ok {
			return fmt.Errorf("services[%d]: unknown store %q", i, svc.Store)
		}
		if svc.Store == cfg.DefaultStore {
			return fmt.Errorf("services[%d]: store %q already backs the drive root", i, svc.Store)
		}
		if other, ok := stores[svc.Store]; ok {
			return fmt.Errorf("services[%d]: store %q already used by service %q", i, svc.Store, other)
		}
		stores[svc.Store] = svc.Alias

		if cfg.DefaultStore != "" && namespaceDirs[svc.Alias] {
			return fmt.Errorf("services[%d]: alias %q is reserved", i, svc.Alias)
		}
		if svc.Alias == "." || svc.Alias == ".." || strings.ContainsRune(svc.Alias, 0) {
			return fmt.Errorf("services[%d]: invalid alias %q", i, svc.Alias)
		}
	}

	return nil
}

// validateBadgerStores rejects in-memory badger stores that cannot hold
// the chunks the encryptor produces.
func validateBadgerStores(cfg *Config) error {
	names := make([]string, 0, len(cfg.Stores))
	for name := range cfg.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	blob := encrypt.MaxBlobSize(cfg.Encryption.ChunkSize)
	for _, name := range names {
		store := cfg.Stores[name]
		if store.Type != "badger" {
			continue
		}
		var badgerCfg storageBadger.Config
		if err := mapstructure.WeakDecode(store.Badger, &badgerCfg); err != nil {
			return fmt.Errorf("stores.%s.badger: %w", name, err)
		}
		if badgerCfg.InMemory && blob >= storageBadger.MaxInMemoryValueSize {
			return fmt.Errorf("stores.%s: in-memory badger holds values below %d bytes, but encryption.chunk_size %d stores blobs of up to %d bytes",
				name, storageBadger.MaxInMemoryValueSize, cfg.Encryption.ChunkSize, blob)
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
