package observability

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for dispatch, invocation, and workflow spans/metrics.
var (
	AttrAgentID   = attribute.Key("agent.id")
	AttrAgentKind = attribute.Key("agent.kind")
	AttrModel     = attribute.Key("model")

	AttrTokensInput  = attribute.Key("tokens.input")
	AttrTokensOutput = attribute.Key("tokens.output")
	AttrCostUSD      = attribute.Key("cost_usd")

	AttrProjectID = attribute.Key("project.id")
	AttrRequestID = attribute.Key("request.id")

	AttrGateName   = attribute.Key("gate.name")
	AttrGateResult = attribute.Key("gate.result")

	AttrBreakerState = attribute.Key("breaker.state")

	AttrWorkflowID  = attribute.Key("workflow.id")
	AttrExecutionID = attribute.Key("workflow.execution_id")
	AttrTaskID      = attribute.Key("workflow.task_id")
	AttrTaskStatus  = attribute.Key("workflow.task_status")
)
