// Package prediction defines the interface to the generative forecast model
// used to fill gaps in provider data. The model itself is an external
// collaborator; this package only consumes its output.
package prediction
