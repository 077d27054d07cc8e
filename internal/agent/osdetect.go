package agent

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/mithem/compolvo/internal/models"
)

// DetectOperatingSystem identifies this machine's operating system as one of
// the supported identifiers. Linux distributions are resolved through
// /etc/os-release.
func DetectOperatingSystem() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		return models.OSMacOS, nil
	case "windows":
		return models.OSWindows, nil
	case "linux":
		return detectLinuxDistribution("/etc/os-release")
	}
	return "", fmt.Errorf("unsupported operating system %q", runtime.GOOS)
}

func detectLinuxDistribution(releaseFile string) (string, error) {
	f, err := os.Open(releaseFile)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", releaseFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "ID=") {
			continue
		}
		id := strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		switch id {
		case "debian":
			return models.OSDebian, nil
		case "manjaro":
			return models.OSManjaro, nil
		default:
			return "", fmt.Errorf("unsupported Linux distribution %q", id)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no distribution id in %s", releaseFile)
}
