package daemon

import (
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/cja-skyfarms/skyfarm-pi/controller/telemetry"
)

// AuthConfig protects the HTTP API with a single operator account. The
// password is stored as a bcrypt hash, never in the clear.
type AuthConfig struct {
	Enable       bool   `yaml:"enable"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	CookieSecret string `yaml:"cookie_secret"`
}

// Settings is the daemon's yaml configuration file.
type Settings struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Database string `yaml:"database"`
	DataDir  string `yaml:"data_dir"`
	DevMode  bool   `yaml:"dev_mode"`
	GpioChip string `yaml:"gpio_chip"`

	MQTT telemetry.MQTTConfig `yaml:"mqtt"`
	Auth AuthConfig           `yaml:"auth"`
}

func DefaultSettings() Settings {
	return Settings{
		Name:     "skyfarm-pi",
		Address:  "localhost:8080",
		Database: "skyfarm-pi.db",
		DataDir:  "/var/lib/skyfarm-pi",
		GpioChip: "gpiochip0",
	}
}

// LoadSettings reads the yaml file at path over the defaults. A missing file
// is not an error; the defaults apply.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, err
	}
	return s, nil
}
