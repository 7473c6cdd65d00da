package models

import "time"

// File is the metadata record describing one stored file. It is written only
// after every chunk of the file has been acknowledged.
type File struct {
	ID         string         `json:"_id" bson:"_id"`
	Filename   string         `json:"filename" bson:"filename"`
	Length     int64          `json:"length" bson:"length"`
	ChunkSize  int32          `json:"chunkSize" bson:"chunkSize"`
	UploadDate time.Time      `json:"uploadDate" bson:"uploadDate"`
	Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Chunk is one fixed-size segment of a file
type Chunk struct {
	ID      string `json:"_id" bson:"_id"`
	FilesID string `json:"files_id" bson:"files_id"`
	N       int32  `json:"n" bson:"n"`
	Data    []byte `json:"data" bson:"data"`
}
