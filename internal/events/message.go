// Copyright 2025 James Ross
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage marks a queue message that can never parse; redelivery
// will not help, so callers dead-letter it.
var ErrMalformedMessage = errors.New("malformed queue message")

// Message is the normalized form of the two shapes that arrive on the intake
// queue: blob-store upload events (no job_id) and upload-API confirmations.
type Message struct {
	JobID        string
	ObjectKey    string
	ObjectBucket string
	UploadEvent  bool
}

type uploadEvent struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

type confirmation struct {
	JobID        string `json:"job_id"`
	ObjectKey    string `json:"object_key"`
	ObjectBucket string `json:"object_bucket"`
}

// Parse decodes a raw queue payload into a Message. defaultBucket fills in
// upload events that omit the bucket name.
func Parse(payload []byte, defaultBucket string) (Message, error) {
	var ev uploadEvent
	if err := json.Unmarshal(payload, &ev); err == nil && len(ev.Records) > 0 {
		rec := ev.Records[0]
		key := rec.S3.Object.Key
		if key == "" {
			return Message{}, fmt.Errorf("%w: upload event without object key", ErrMalformedMessage)
		}
		bucket := rec.S3.Bucket.Name
		if bucket == "" {
			bucket = defaultBucket
		}
		return Message{ObjectKey: key, ObjectBucket: bucket, UploadEvent: true}, nil
	}

	var c confirmation
	if err := json.Unmarshal(payload, &c); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if c.ObjectKey == "" {
		return Message{}, fmt.Errorf("%w: confirmation without object_key", ErrMalformedMessage)
	}
	if c.JobID == "" {
		return Message{}, fmt.Errorf("%w: confirmation without job_id", ErrMalformedMessage)
	}
	bucket := c.ObjectBucket
	if bucket == "" {
		bucket = defaultBucket
	}
	return Message{JobID: c.JobID, ObjectKey: c.ObjectKey, ObjectBucket: bucket}, nil
}

// Confirmation serializes a confirmation message the way the upload API
// emits it. Used by the admin enqueue command and tests.
func Confirmation(jobID, objectKey, objectBucket string) (string, error) {
	b, err := json.Marshal(confirmation{JobID: jobID, ObjectKey: objectKey, ObjectBucket: objectBucket})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
