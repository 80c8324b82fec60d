// Package llm defines the decision policy consumed by the audit agent and the
// provider-neutral request/response envelope passed to it. Provider adapters
// live in sub-packages.
package llm
