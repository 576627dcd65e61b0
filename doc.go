// Package agentle is a framework for building LLM-driven agent systems.
//
// The core surface is the Agent: a named unit that drives a model through a
// multi-turn tool-calling loop, with guardrails on input and output, handoffs
// to other agents, declarative multi-step tool plans, and streaming output.
// Responders abstract the model backend (provider/openairesponses implements
// the OpenAI Responses API), the Batcher collects inbound messages per user
// before processing, and the telemetry package fans typed execution events
// out to exporters without blocking the request path.
package agentle
