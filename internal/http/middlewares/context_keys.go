package middlewares

// gin context keys. Untyped so they satisfy gin's string-keyed Set/Get.
const (
	CtxRequestID = "request_id"
	CtxTaskID    = "task_id"
)
