package tgui

import "strings"

// Data formats inline callback data as "plugin:action:payload". The payload
// is kept as-is and may itself contain ':'.
func Data(plugin, action, payload string) string {
	plugin = strings.TrimSpace(plugin)
	action = strings.TrimSpace(action)
	if payload == "" {
		return plugin + ":" + action
	}
	return plugin + ":" + action + ":" + payload
}

// CheckedData is Data with Telegram's callback_data size limit enforced.
func CheckedData(plugin, action, payload string) (string, error) {
	d := Data(plugin, action, payload)
	if len(d) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return d, nil
}
