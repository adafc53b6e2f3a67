package config

// BusSettings configures the internal publish/subscribe bus (redis).
type BusSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// AddressPrefix is prepended to the event type to form the bus address.
	AddressPrefix string `mapstructure:"address_prefix"`
}
