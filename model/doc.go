// Package model defines the provider-agnostic abstractions for calling
// language models inside taskmesh.
//
// Core goals:
//   - Keep request/response shapes minimal and transport independent
//   - Classify provider failures (rate limit, transient, permanent) so the
//     router can fall back and circuit-break per endpoint
//   - Estimate call cost from token usage
//   - Facilitate lightweight mocking for tests (MockModel, NewFuncModel)
//
// Providers (Anthropic, Anthropic on Bedrock, OpenAI and OpenAI compatible
// gateways) implement the Model interface so higher layers stay decoupled
// from vendor SDKs.
package model
