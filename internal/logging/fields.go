package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述一次 install/activate/message 事件所针对的缓存代际。
func LifecycleFields(phase, version, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     "lifecycle",
		"phase":      phase,
		"version":    version,
		"generation": generation,
	}
}

// RequestFields 提供策略/来源/代际字段，供拦截请求日志复用。
func RequestFields(method, url, strategy, source, generation string, intercepted bool) logrus.Fields {
	return logrus.Fields{
		"method":      method,
		"url":         url,
		"strategy":    strategy,
		"source":      source,
		"generation":  generation,
		"intercepted": intercepted,
	}
}
