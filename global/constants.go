/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import "fmt"

//goland:noinspection GoCommentStart,GoUnusedConst
const (
	ProgramName = "Surveyor"
	Version     = "0.3.0"

	// Configuration constants
	ConfigEnvVar          = "SURVEYOR_CONFIG"
	DefaultBaseDir        = "~/.surveyor"
	DefaultConfigFileName = "config.json"
	DefaultDatabaseFile   = "surveyor.db"
	DefaultSweepLockFile  = "sweep.lock"

	// MCP Tool Names - AI Requests
	ToolRequestCreate       = "ai_request_create"
	ToolRequestRun          = "ai_request_run"
	ToolRequestProcessQueue = "ai_request_process_queue"
	ToolRequestGet          = "ai_request_get"
	ToolRequestCancel       = "ai_request_cancel"
	ToolTaskResults         = "ai_task_results"

	// MCP Tool Names - System
	ToolHealth = "health"

	// Task lifecycle status
	TaskStatusNotStarted = "not_started"
	TaskStatusInProgress = "in_progress"
	TaskStatusSubmitted  = "submitted"
	TaskStatusValidated  = "validated"
	TaskStatusReturned   = "returned"

	// Task dependency status
	DependencyLocked = "locked"

	// AI request status
	RequestStatusQueued    = "queued"
	RequestStatusRunning   = "running"
	RequestStatusCompleted = "completed"
	RequestStatusFailed    = "failed"
	RequestStatusCanceled  = "canceled"

	// AI task result status
	ResultStatusCompleted         = "completed"
	ResultStatusFailed            = "failed"
	ResultStatusFormatInvalid     = "format_invalid"
	ResultStatusSkippedDependency = "skipped_dependency"

	// Retrieval modes
	RetrievalNone               = "none"
	RetrievalProviderNativeOnly = "provider_native_only"
	RetrievalFirecrawlPreferred = "firecrawl_preferred"
	RetrievalFirecrawlOnly      = "firecrawl_only"

	// Question answer types
	AnswerTypeBooleanYesNo = "boolean_yesno"
	AnswerTypeInteger      = "integer"
	AnswerTypeText         = "text"
	AnswerTypeSingleSelect = "single_select"
	AnswerTypeMultiSelect  = "multi_select"

	// Provider vendor types
	VendorOpenAI    = "openai"
	VendorAnthropic = "anthropic"
	VendorGemini    = "gemini"

	// Canonical structured field keys
	FieldAnswer            = "answer"
	FieldLegalBasis        = "legal_basis"
	FieldURL               = "url"
	FieldReforms           = "reforms"
	FieldDateOfEnactment   = "date_of_enactment"
	FieldDateOfEnforcement = "date_of_enforcement"
	FieldComments          = "comments"
	FieldFlag              = "flag"

	// Canonical answer values
	AnswerYes = "Yes"
	AnswerNo  = "No"
	AnswerNA  = "N/A"

	// Flag vocabulary
	FlagNone               = "None"
	FlagNeedsFollowUp      = "Needs follow-up"
	FlagSourceMissing      = "Source missing"
	FlagAmbiguousLaw       = "Ambiguous law"
	FlagConflictingSources = "Conflicting sources"
	FlagTranslationNeeded  = "Translation needed"
	FlagOther              = "Other"

	// Error codes persisted on AI task results
	ErrCodeMissingData           = "MISSING_DATA"
	ErrCodeMissingConfig         = "MISSING_CONFIG"
	ErrCodeMissingPrompt         = "MISSING_PROMPT"
	ErrCodeRetrievalError        = "RETRIEVAL_ERROR"
	ErrCodeParseError            = "PARSE_ERROR"
	ErrCodeSchemaInvalid         = "SCHEMA_INVALID"
	ErrCodeAPIError              = "API_ERROR"
	ErrCodeProviderQuotaExceeded = "PROVIDER_QUOTA_EXCEEDED"
	ErrCodeUnsupportedProvider   = "UNSUPPORTED_PROVIDER"
	ErrCodeDependencyLocked      = "DEPENDENCY_LOCKED"

	// Audit actions
	AuditMissingPrompt   = "ai_task.missing_prompt"
	AuditDraftWritten    = "draft.written"
	AuditTaskAdvanced    = "task.advanced"
	AuditRequestStarted  = "ai_request.started"
	AuditRequestFinished = "ai_request.finished"

	// Runner default values
	DefaultMaxConcurrent          = 1
	DefaultRateLimitRequests      = 10
	DefaultRateLimitPeriod        = 60
	DefaultProviderTimeoutSeconds = 120
	MinProviderTimeoutSeconds     = 5
	MaxProviderTimeoutSeconds     = 900
	DefaultMaxOutputTokens        = 4096

	// Retrieval default values
	DefaultFirecrawlBaseURL    = "https://api.firecrawl.dev"
	DefaultRetrievalMaxResults = 5
	DefaultRetrievalMaxChars   = 2000
	DefaultRetrievalTimeout    = 30
	DefaultRetrievalSuffix     = "law regulation official legal text"

	// Telemetry default values
	DefaultOTLPEndpoint = "http://127.0.0.1:4318"

	// Default page size for result listings
	DefaultLimit = 50

	// Log Levels
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
	LogLevelFatal = "FATAL"

	// API Key Prefix
	EnvKeyPrefix = "env:"
)

// CanonicalFields lists the structured field keys in template order.
var CanonicalFields = []string{
	FieldAnswer,
	FieldLegalBasis,
	FieldURL,
	FieldReforms,
	FieldDateOfEnactment,
	FieldDateOfEnforcement,
	FieldComments,
	FieldFlag,
}

// FlagVocabulary is the closed set of accepted flag values.
var FlagVocabulary = []string{
	FlagNone,
	FlagNeedsFollowUp,
	FlagSourceMissing,
	FlagAmbiguousLaw,
	FlagConflictingSources,
	FlagTranslationNeeded,
	FlagOther,
}

// ValidRetrievalMode reports whether mode is a known retrieval mode.
// An empty mode is treated as none.
func ValidRetrievalMode(mode string) bool {
	switch mode {
	case "", RetrievalNone, RetrievalProviderNativeOnly, RetrievalFirecrawlPreferred, RetrievalFirecrawlOnly:
		return true
	}
	return false
}

// ValidateTimeout validates and normalizes a provider timeout in seconds.
// If timeout is 0, returns DefaultProviderTimeoutSeconds.
func ValidateTimeout(timeout int) (int, error) {
	if timeout == 0 {
		return DefaultProviderTimeoutSeconds, nil
	}
	if timeout < MinProviderTimeoutSeconds {
		return 0, fmt.Errorf("timeout must be at least %d seconds", MinProviderTimeoutSeconds)
	}
	if timeout > MaxProviderTimeoutSeconds {
		return 0, fmt.Errorf("timeout must be at most %d seconds", MaxProviderTimeoutSeconds)
	}
	return timeout, nil
}
