package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DotenvVar names an explicit .env file and disables the search.
const DotenvVar = "PHOTO_DOTENV"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the site .env once. The file named by PHOTO_DOTENV wins;
// otherwise the first .env found walking up from the working directory,
// then the one next to the executable. Variables already set in the process
// environment are never overwritten.
func Ensure() error {
	// Unit tests must not pick up the operator's field .env (site overrides,
	// shortened timings). Opt in with GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path := resolveDotenv(dotenvCandidates())
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("fieldcam: load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("fieldcam: loaded .env")
	})
	return loadErr
}

// LoadedPath returns the resolved .env path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// dotenvCandidates lists the paths to try in order.
func dotenvCandidates() []string {
	if explicit := strings.TrimSpace(os.Getenv(DotenvVar)); explicit != "" {
		return []string{explicit}
	}
	var out []string
	if wd, err := os.Getwd(); err == nil {
		for dir := wd; ; dir = filepath.Dir(dir) {
			out = append(out, filepath.Join(dir, ".env"))
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}
	// services launched at boot start outside the install directory
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), ".env"))
	}
	return out
}

func resolveDotenv(candidates []string) string {
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate
		}
		if err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("dotenv", candidate).Msg("fieldcam: skip unreadable .env candidate")
		}
	}
	return ""
}
