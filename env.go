package authcore

import (
	"encoding/base64"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names consumed by [Config.LoadSecretsFromEnv].
const (
	EnvAccessSecret  = "AUTHCORE_ACCESS_SECRET"
	EnvRefreshSecret = "AUTHCORE_REFRESH_SECRET"
	EnvMetadataKey   = "AUTHCORE_METADATA_KEY"
	EnvProduction    = "AUTHCORE_PRODUCTION"
)

// LoadSecretsFromEnv fills the config's secret material from the
// environment, loading the given dotenv files first (missing files are
// ignored; real environment variables win over file values). The metadata
// key may be given raw (exactly 32 bytes) or base64-encoded. Values already
// set on the config are only replaced when the environment provides one.
//
// Validation stays with [Config.Validate]; this only loads.
func (c *Config) LoadSecretsFromEnv(files ...string) {
	_ = godotenv.Load(files...)

	if v := os.Getenv(EnvAccessSecret); v != "" {
		c.Token.AccessSecret = []byte(v)
	}
	if v := os.Getenv(EnvRefreshSecret); v != "" {
		c.Token.RefreshSecret = []byte(v)
	}
	if v := os.Getenv(EnvMetadataKey); v != "" {
		c.Session.MetadataKey = decodeKey(v)
	}
	if v := os.Getenv(EnvProduction); v == "1" || v == "true" {
		c.ProductionMode = true
	}
}

func decodeKey(v string) []byte {
	if len(v) == 32 {
		return []byte(v)
	}
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return decoded
	}
	return []byte(v)
}
