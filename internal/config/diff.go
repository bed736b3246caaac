package config

import "reflect"

// ChangedSections lists the top-level sections that differ between two
// configs, in file order. Values are never returned, so tokens and DSNs do
// not leak into logs.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		out = append(out, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		out = append(out, "scheduler")
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		out = append(out, "delivery")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
