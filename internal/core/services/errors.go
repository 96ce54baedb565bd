package services

import "errors"

// Procedure errors
var (
	ErrPlanNotPrepared = errors.New("procedure: plan was not produced by prepare")
	ErrPlanMismatch    = errors.New("procedure: plan belongs to another procedure")
	ErrInvalidInput    = errors.New("procedure: invalid input")
)

// Image errors
var (
	ErrImageMismatch   = errors.New("image: logical name does not match the service")
	ErrImageDownload   = errors.New("image: download failed")
	ErrUnknownSelector = errors.New("image: unknown selector")
)

// Remote execution errors
var (
	ErrNoReachableNodes = errors.New("remote: no reachable nodes")
	ErrStreamClosed     = errors.New("remote: result stream closed early")
)

// Rollout errors
var (
	ErrRolloutDeclined   = errors.New("rollout: declined by operator")
	ErrEmptyManifest     = errors.New("rollout: manifest has no procedures")
	ErrRolloutInProgress = errors.New("rollout: another rollout is running")
)

// Task errors
var (
	ErrTaskNotFound = errors.New("task: not found")
)

// Server errors
var (
	ErrServerAlreadyExists  = errors.New("server: hostname already registered")
	ErrServerInvalidInput   = errors.New("server: invalid input")
	ErrServerInvalidAddress = errors.New("server: invalid address")
	ErrEncryptionFailed     = errors.New("server: failed to encrypt auth data")
)

// Instance errors
var (
	ErrInstanceInvalidJob = errors.New("instance: invalid job")
)
