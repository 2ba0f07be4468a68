package pipeline

import "fmt"

// ImageKey is the content store key of an uploaded image
func ImageKey(sessionID, imageID, filename string) string {
	return fmt.Sprintf("sessions/%s/%s/%s", sessionID, imageID, filename)
}

// EncodingKey is the content store key of an image's encodings document
func EncodingKey(sessionID, imageID string) string {
	return fmt.Sprintf("sessions/%s/%s/encodings.json", sessionID, imageID)
}
