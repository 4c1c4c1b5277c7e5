// Package settings provides typed, cached access to the key-value
// configuration store shared with operators. Writes go through the cache
// (write-through with per-key invalidation) so readers never observe stale
// values after an upsert.
package settings

// Keys of the CT integration settings. The catalog is shared with the
// operator tooling; renaming a key is a breaking change.
const (
	KeyBaseURL       = "sesp.ct.baseUrl"
	KeyOAuthTokenURL = "sesp.ct.oauth.tokenUrl"
	KeyOAuthClientID = "sesp.ct.oauth.clientId"
	KeyOAuthSecret   = "sesp.ct.oauth.clientSecret"

	KeyCTPublicPEM   = "sesp.ct.keys.ctPublicPem"
	KeyAPIPublicPEM  = "sesp.ct.keys.sespctApiPublicPem"
	KeyAPIPrivatePEM = "sesp.ct.keys.sespctApiPrivatePem"
	KeyClientKeyID   = "sesp.ct.keys.clientKeyId"

	KeyRegisterURL     = "sesp.ct.register.url"
	KeyDefaultFacility = "sesp.ct.facilityCode"

	// KeyMasterKeyB64 holds the base64 AES-256 master key used to protect
	// settings values at rest.
	KeyMasterKeyB64 = "sesp.ct.kms.masterKeyB64"

	KeyWebhookURL            = "sesp.ct.webhook.url"
	KeyWebhookRegistered     = "sesp.ct.webhook.registered"
	KeyWebhookEvents         = "sesp.ct.webhook.events"
	KeyWebhookSecret         = "sesp.ct.webhook.secret"
	KeyWebhookTimeoutSeconds = "sesp.ct.webhook.timeoutSeconds"
	KeyWebhookRetryAttempts  = "sesp.ct.webhook.retry.maxAttempts"
	KeyWebhookRetryBackoff   = "sesp.ct.webhook.retry.backoffSeconds"
	KeyWebhookPageSize       = "sesp.ct.webhook.paginationSize"

	KeySyncEnabled          = "sesp.ct.sync.enabled"
	KeySyncLimit            = "sesp.ct.sync.limit"
	KeySyncPageLimit        = "sesp.ct.sync.pageLimit"
	KeySyncCursor           = "sesp.ct.sync.cursor"
	KeySyncLastRunISO       = "sesp.ct.sync.lastRunIso"
	KeySyncRespostasEnabled = "sesp.ct.sync.respostas.enabled"
	KeySyncRespostasCursor  = "sesp.ct.sync.respostasCursor"

	KeyAPIBaseURL            = "sespct.api.baseUrl"
	KeyEndpointRespsConsumed = "sesp.ct.endpoints.respostas.consumed"
)

// DefaultBaseURL is used when no CT base URL has been configured yet.
const DefaultBaseURL = "https://api.comitetarvmisau.co.mz"
