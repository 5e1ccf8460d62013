package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LoadAndWatch 读取 config/{service}.yaml 到 out，并监听文件变更。
// out 只在启动时 Unmarshal 一次；变更时回调 onChange，由调用方决定哪些字段允许热更新。
func LoadAndWatch(service string, out interface{}, onChange func(v *viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".") // 兜底，直接放当前目录也行

	// 环境变量覆盖，例如：
	//   RT_GATEWAY_HTTP_ADDR 覆盖 http.addr
	//   RT_GATEWAY_BUS_DRIVER 覆盖 bus.driver
	v.SetEnvPrefix(envPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	if onChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("[%s] config file changed: %s", service, e.Name)
			onChange(v)
		})
		v.WatchConfig()
	}

	return v, nil
}

// rt-gateway -> RT_GATEWAY
func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
