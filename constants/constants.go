// Package constants vends constants used in various components of pinvault, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "PIN_VERBOSE"
	// stores
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisPasswd   = "REDIS_PASSWD"
	EnvRedisDB       = "REDIS_DB"
	EnvBlobDir       = "PIN_BLOB_DIR"
	EnvCouchDBAddr   = "COUCHDB_ADDR"
	EnvCouchUsername = "COUCHDB_USERNAME"
	EnvCouchPasswd   = "COUCHDB_PASSWD"
	EnvAuditDBName   = "PIN_AUDIT_DB_NAME"
	// servers
	EnvWriterAddr           = "PIN_WRITER_ADDR"
	EnvReaderAddr           = "PIN_READER_ADDR"
	EnvReqBodySizeMaxByte   = "PIN_REQ_BODY_SIZE_MAX_BYTE"
	EnvSessionKey           = "PIN_SESSION_KEY"
	EnvRateLimitBurst       = "PIN_RATE_LIMIT_BURST"
	EnvRateLimitRPS         = "PIN_RATE_LIMIT_RPS"
	EnvRateLimitClients     = "PIN_RATE_LIMIT_CLIENTS"
	EnvShareRetryMax        = "PIN_SHARE_RETRY_MAX"
	EnvNotificationPageSize = "PIN_NOTIFICATION_PAGE_SIZE"
	// deleter
	EnvDeleterSweepFreq           = "PIN_DELETER_SWEEP_FREQ"
	EnvDeleterExecutorPoolSize    = "PIN_DELETER_EXECUTOR_POOL_SIZE"
	EnvDeleterMaxSweepLoad        = "PIN_DELETER_MAX_SWEEP_LOAD"
	EnvDeleterLocalCacheSize      = "PIN_DELETER_LOCAL_CACHE_SIZE"
	EnvDeleterWIPCacheEntryExpiry = "PIN_DELETER_WIP_CACHE_ENTRY_EXPIRY"
	// client
	EnvVaultDir        = "PIN_VAULT_DIR"
	EnvVaultPassphrase = "PIN_VAULT_PASSPHRASE"

	// -------------- session --------------
	SessionName        = "pinvault"
	SessionFieldUserID = "userID"
	SessionFieldRole   = "role"
	SessionFieldGroups = "groups"

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"

	// -------------- log fields --------------
	LogFieldFuncName  = "funcName"
	LogFieldRequester = "requesterID"
)

// audit actions
const (
	ActionUploadFile        = "UPLOAD_FILE"
	ActionDownloadFile      = "DOWNLOAD_FILE"
	ActionDownloadDenied    = "DOWNLOAD_DENIED"
	ActionDeleteFile        = "DELETE_FILE"
	ActionShareFile         = "SHARE_FILE"
	ActionRevokeFile        = "REVOKE_FILE"
	ActionRevokeAll         = "REVOKE_ALL"
	ActionUpdateAccess      = "UPDATE_ACCESS"
	ActionReopenFile        = "REOPEN_FILE"
	ActionCreateGroup       = "CREATE_GROUP"
	ActionUpdateGroup       = "UPDATE_GROUP"
	ActionDeleteGroup       = "DELETE_GROUP"
	ActionAddGroupMember    = "ADD_GROUP_MEMBER"
	ActionRemoveGroupMember = "REMOVE_GROUP_MEMBER"
	ActionSendNotification  = "SEND_NOTIFICATION"

	TargetTypeFile         = "File"
	TargetTypeGroup        = "Group"
	TargetTypeUser         = "User"
	TargetTypeNotification = "Notification"
)

// notification types
const (
	NotificationShared  = "shared"
	NotificationRevoked = "revoked"
	NotificationAdmin   = "admin"
)
