package config

import "errors"

var (
	// ErrVersionTooNew is returned when a config file declares a schema
	// version newer than this binary supports.
	ErrVersionTooNew = errors.New("config version too new")

	// ErrInvalidFamily is returned when the network.family field is set to
	// anything other than "v4" or "v6" (an absent field defaults to "v4").
	ErrInvalidFamily = errors.New("invalid address family")
)
