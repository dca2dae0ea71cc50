package observability

const (
	AttrOutcome    = "outcome"
	AttrCode       = "code"
	AttrComponent  = "component"
	AttrMethod     = "method"
	AttrRoute      = "route"
	AttrStatus     = "status"
	AttrErrorType  = "error.type"
	AttrStatusCode = "http.status_code"
	AttrHTTPPath   = "http.path"
	AttrHTTPMethod = "http.method"

	AttrResponseSize  = "http.response.body.size"
	AttrClientAddress = "client.address"

	SpanHTTPRequest = "http.request"

	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"

	DefaultServiceName = "tollgate"
	MeterName          = "github.com/kadirpekel/tollgate"
)
