// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2017-2020 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package internal

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
)

type (
	gcsReader struct {
		*storage.Reader
		client *storage.Client
	}

	gcsWriter struct {
		*storage.Writer
		client *storage.Client
	}
)

func (r *gcsReader) Close() error {
	err := r.Reader.Close()
	if nerr := r.client.Close(); err == nil {
		err = nerr
	}
	if err != nil {
		return pfx.Err(err)
	}
	return nil
}

func (w *gcsWriter) Close() error {
	err := w.Writer.Close()
	if nerr := w.client.Close(); err == nil {
		err = nerr
	}
	if err != nil {
		return pfx.Err(err)
	}
	return nil
}

// OpenGCS opens a gs://bucket/object name for streaming reads.
func OpenGCS(ctx context.Context, name string) (io.ReadCloser, error) {
	bucket, object, err := SplitGCSPath(name)
	if err != nil {
		return nil, pfx.Err(err)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pfx.Err(err)
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, pfx.Err(err)
	}
	return &gcsReader{Reader: reader, client: client}, nil
}

// CreateGCS creates a gs://bucket/object name for streaming writes. The
// object becomes visible only after a successful Close.
func CreateGCS(ctx context.Context, name string) (io.WriteCloser, error) {
	bucket, object, err := SplitGCSPath(name)
	if err != nil {
		return nil, pfx.Err(err)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return &gcsWriter{Writer: client.Bucket(bucket).Object(object).NewWriter(ctx), client: client}, nil
}
