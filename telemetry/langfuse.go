package telemetry

// Langfuse ingests OTLP/JSON at /api/public/otel with basic auth over the
// project keypair, so the preset is the generic exporter pointed there.

// DefaultLangfuseHost is the Langfuse cloud EU region.
const DefaultLangfuseHost = "https://cloud.langfuse.com"

// NewLangfuse creates an OTLP processor targeting a Langfuse host. An empty
// host selects DefaultLangfuseHost. Extra options are applied after the
// preset, so they can override batch size, flush interval, or the client.
func NewLangfuse(host, publicKey, secretKey string, opts ...OTLPOption) *OTLPProcessor {
	if host == "" {
		host = DefaultLangfuseHost
	}
	all := append([]OTLPOption{OTLPBasicAuth(publicKey, secretKey)}, opts...)
	return NewOTLP(host+"/api/public/otel", all...)
}
