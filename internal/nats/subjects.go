package nats

import (
	"fmt"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// Subject hierarchy.
//
//	imagepipe.{route}        -- stage traffic, e.g. imagepipe.ingress.ocr
//	imagepipe.dead.{stage}   -- rejected messages of a stage
const (
	StreamName    = "IMAGEPIPE"
	SubjectPrefix = "imagepipe"

	// BucketStatus holds job status entries and seal claims.
	BucketStatus = "imagepipe-status"
)

// RouteSubject returns the subject a route publishes to.
// Example: imagepipe.ocr.render
func RouteSubject(route core.Route) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, route)
}

// DeadLetterSubject returns the subject for a stage's rejected messages.
// Example: imagepipe.dead.file
func DeadLetterSubject(stage string) string {
	return fmt.Sprintf("%s.dead.%s", SubjectPrefix, stage)
}

// AllSubject is the stream's subject filter.
func AllSubject() string {
	return fmt.Sprintf("%s.>", SubjectPrefix)
}

// ConsumerName returns the durable consumer name of a stage.
func ConsumerName(stage string) string {
	return fmt.Sprintf("imagepipe-%s", stage)
}
