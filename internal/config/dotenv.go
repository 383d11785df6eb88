package config

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/snapvault/companion/internal/log"
)

// LoadDotenv reads the first existing .env file among candidates and returns
// its key/value pairs together with the path that was used. A missing file is
// not an error: the returned map is nil and the path empty.
func LoadDotenv(candidates []string) (map[string]string, string, error) {
	logger := log.WithComponent("config")

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, path, err
		}
		logger.Info().
			Str(log.FieldEnvFile, path).
			Int("count", len(vars)).
			Msg("loaded environment overrides from .env file")
		return vars, path, nil
	}

	logger.Debug().Msg("no .env file found, using ambient environment only")
	return nil, "", nil
}
