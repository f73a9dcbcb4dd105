package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch reloads the configuration whenever the file backing v changes and
// hands the result to onChange. A reload that fails validation is passed
// through as an error; the caller keeps its previous Config.
//
// v must have a config file set and read before Watch is called.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(LoadFrom(v))
	})
	v.WatchConfig()
}
