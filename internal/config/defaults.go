package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.wecombot",
			LogLevel:  "info",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			CallbackPath:   "/wechat/callback",
			VerifyPath:     "/wechat/verify",
			ReadTimeout:    15,
			WriteTimeout:   15,
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
		WeCom: WeComConfig{
			APIBase: "https://qyapi.weixin.qq.com/cgi-bin",
			Timeout: 30,
			Retries: 2,
		},
		Delivery: DeliveryConfig{
			DirectLimit:   1000,
			SegmentLimit:  1800,
			Renderer:      "pdf",
			OutputDir:     "~/.wecombot/output",
			RenderTimeout: 60,
		},
		Worker: WorkerConfig{
			MaxConcurrent:   10,
			TaskTimeout:     120,
			ShutdownTimeout: 30,
		},
		Cache: CacheConfig{
			Backend:         "sqlite",
			DBPath:          "~/.wecombot/wecombot.db",
			TTL:             3600,
			AuditDeliveries: true,
			Redis: RedisConfig{
				Host:   "localhost",
				Port:   6379,
				Prefix: "wecombot:",
			},
		},
	}
}
