package app

const (
	Name           = "tempctl"
	SourceURL      = "https://github.com/JQIamo/temperature-control-app"
	ConfigFilename = "config.json"
	DBFilename     = "samples.db"
	LogFilename    = "tempctl.log"
)
