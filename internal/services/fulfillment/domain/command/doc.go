// Package command defines the command envelope, the registry that validates
// commands before decision, and the Decision value deciders return.
package command
