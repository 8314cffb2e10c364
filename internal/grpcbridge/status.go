package grpcbridge

// gRPC status codes the bridge actually emits. Only the subset the
// proxy maps HTTP outcomes onto is named; the rest of the canonical
// gRPC status space is irrelevant here.
const (
	StatusOK          = 0
	StatusInternal    = 13
	StatusUnavailable = 14
)

// StatusFromHTTP maps an upstream HTTP status code onto the gRPC
// status the HttpUnary bridge reply carries: 2xx/3xx succeed, every
// other code is reported as Internal. Use StatusUnavailable directly
// when no eligible backend could be found at all.
func StatusFromHTTP(httpStatus int) int {
	if httpStatus >= 200 && httpStatus < 400 {
		return StatusOK
	}
	return StatusInternal
}
