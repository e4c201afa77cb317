package kvstore

// Storage keys shared with the dashboard.
const (
	KeyToken           = "OT_TOKEN"
	KeyTokenTime       = "OT_TOKEN_TIME"
	KeyHarvestLastTime = "OT_HARVEST_LAST_TIME"

	KeySessionReady     = "JWXT_SESSION_READY"
	KeySessionTime      = "JWXT_SESSION_TIME"
	KeyActivateLastTime = "JWXT_ACTIVATE_LAST_TIME"

	KeyAppCatalog = "better-xju-apps"
	KeyRankData   = "rankData"
)
