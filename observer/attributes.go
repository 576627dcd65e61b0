package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for agent observability spans and metrics.
var (
	AttrModel     = attribute.Key("gen_ai.request.model")
	AttrSessionID = attribute.Key("session.id")

	AttrTokensInput  = attribute.Key("gen_ai.usage.input_tokens")
	AttrTokensOutput = attribute.Key("gen_ai.usage.output_tokens")
	AttrCostUSD      = attribute.Key("gen_ai.usage.cost_usd")

	AttrAgentName  = attribute.Key("agent.name")
	AttrAgentPhase = attribute.Key("agent.phase")
	AttrAgentTurns = attribute.Key("agent.turns")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrErrorCode = attribute.Key("error.code")
	AttrStatus    = attribute.Key("status")
)
