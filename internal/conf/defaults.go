// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "fleetgrid-ingest")
	viper.SetDefault("main.timezone", "+08:00")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "fleetgrid.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)
	viper.SetDefault("main.log.rotationday", "Sunday")

	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.keepalive", 45*time.Second)
	viper.SetDefault("mqtt.connecttimeout", 30*time.Second)
	viper.SetDefault("mqtt.publishtimeout", 10*time.Second)
	viper.SetDefault("mqtt.disconnecttimeout", 250*time.Millisecond)
	viper.SetDefault("mqtt.reconnectdelay", 1*time.Second)
	viper.SetDefault("mqtt.reconnectmax", 30*time.Second)
	viper.SetDefault("mqtt.insecureskiptls", false)

	viper.SetDefault("ingest.topicprefix", "device")
	viper.SetDefault("ingest.defaultlabel", "test")
	viper.SetDefault("ingest.summarylookback", 24*time.Hour)
	viper.SetDefault("ingest.log.enabled", true)
	viper.SetDefault("ingest.log.path", "logs/ingest.log")
	viper.SetDefault("ingest.log.rotation", RotationDaily)
	viper.SetDefault("ingest.log.maxsize", 1048576)
	viper.SetDefault("ingest.telemetry.enabled", false)
	viper.SetDefault("ingest.telemetry.listen", "localhost:8090")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "fleetgrid.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "fleetgrid")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.database", "fleetgrid")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
}
