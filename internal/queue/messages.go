package queue

// Log messages. Every line also carries task=<name>.
const (
	msgEnqueued              = "job enqueued"
	msgDeferred              = "job deferred (spacing)"
	msgRestored              = "job restored"
	msgSucceeded             = "job successfully executed"
	msgFailed                = "job unsuccessfully executed"
	msgTTLExceeded           = "job was not executed, reached ttl value"
	msgAttemptsExceeded      = "job was not executed, reached maximum attempts count"
	msgSuccessCallbackFailed = "job success callback failed"
	msgErrorCallbackFailed   = "job error callback failed"
	msgHandlerPanic          = "job handler panicked"
)
