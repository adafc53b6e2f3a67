package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required"`
	AdminAddr   string `mapstructure:"admin_addr" validate:"required"` // health + metrics listener
	LogLevel    string `mapstructure:"log_level"`
}
