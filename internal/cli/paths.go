package cli

import "os"

func defaultConfigPath() string {
	for _, p := range []string{"config/config.yaml", "../config/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
