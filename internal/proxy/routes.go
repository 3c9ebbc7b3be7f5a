package proxy

// Route maps an inbound path to the upstream endpoint suffix it is forwarded to.
type Route struct {
	// Name labels metrics and events
	Name string
	// Path is the inbound path, matched for POST only
	Path string
	// Endpoint is appended to the upstream base URL
	Endpoint string
}

// Routes is the fixed route table.
var Routes = []Route{
	{Name: "chat_completions", Path: "/chat/completions", Endpoint: "endpoints/openapi/chat/completions"},
	{Name: "completions", Path: "/completions", Endpoint: "endpoints/openapi/completions"},
	{Name: "embeddings", Path: "/embeddings", Endpoint: "endpoints/openapi/embeddings"},
}

// Pattern returns the ServeMux pattern for the route.
func (r Route) Pattern() string {
	return "POST " + r.Path
}
