package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// WhatsApp Cloud API credentials.
	AccessToken   string `envconfig:"WHATSAPP_ACCESS_TOKEN" required:"true"`
	PhoneNumberID string `envconfig:"WHATSAPP_PHONE_NUMBER_ID" required:"true"`
	VerifyToken   string `envconfig:"WHATSAPP_VERIFY_TOKEN" default:"banquea_medical_bot_verify_token"`
	GraphAPIURL   string `envconfig:"WHATSAPP_API_URL" default:"https://graph.facebook.com/v22.0"`

	DBPath     string `envconfig:"DB_PATH" default:"./data/banquea.db"`
	ContentDir string `envconfig:"CONTENT_DIR" default:"./preguntas"`
	Timezone   string `envconfig:"TIMEZONE" default:"America/Lima"`

	HTTPAddr        string `envconfig:"HTTP_ADDR" default:":8000"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
	RefreshHours    int    `envconfig:"CONTENT_REFRESH_HOURS" default:"24"`
	TemplateLang    string `envconfig:"TEMPLATE_LANG" default:"es"`
	MisfireGraceSec int    `envconfig:"MISFIRE_GRACE_SEC" default:"3600"`
}

// Load reads .env (if present) and environment variables into Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
