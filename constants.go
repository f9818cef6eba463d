package main

const (
	DataDirFlag          = "data-dir"
	DisplayIDFlag        = "display-id"
	LogLevelFlag         = "log-level"
	LogPrettyFlag        = "log-pretty"
	MetricsAddrFlag      = "metrics-addr"
	WifiInterfaceFlag    = "wifi-interface"
	AttemptRetentionFlag = "attempt-retention"
	LenientConfirmFlag   = "lenient-confirm"
	RoleFlag             = "role"
	LimitFlag            = "limit"
	AttemptsFlag         = "attempts"

	roleConvener  = "convener"
	roleResponder = "responder"
)
