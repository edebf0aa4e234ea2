/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coalesce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"go.uber.org/zap"

	"sluice.dev/pkg/cleanup"
	"sluice.dev/pkg/imaging"
	"sluice.dev/pkg/media"
	"sluice.dev/pkg/profile"
	"sluice.dev/pkg/storage"
)

// ConversionProcessor generates the pending conversions of the latest
// media record. Superseded records are skipped; their artifacts belong
// to the cleanup scheduler.
type ConversionProcessor struct {
	Store    media.Store
	Storage  storage.Storage
	Registry *profile.Registry
	Cleanup  *cleanup.Scheduler
	Log      *zap.Logger
}

func (p *ConversionProcessor) Process(ctx context.Context, latest Latest) error {
	rec, err := p.Store.ByID(ctx, latest.MediaID)
	if err == media.ErrNotFound {
		p.Log.Warn("process_media_gone", zap.Int64("media_id", latest.MediaID))
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Superseded {
		p.Log.Info("process_skipped_superseded", zap.Int64("media_id", rec.ID))
		return nil
	}

	pending := rec.PendingConversions()
	if len(pending) == 0 {
		return nil
	}
	sort.Strings(pending)

	prof, err := p.Registry.Get(rec.Property(media.PropProfileID))
	if err != nil {
		return fmt.Errorf("coalesce: media %d: %w", rec.ID, err)
	}
	sizes := p.Registry.ConversionSizes(prof)

	src, err := p.fetchBlob(ctx, rec)
	if err != nil {
		return err
	}
	defer os.Remove(src)

	for _, name := range pending {
		conv, ok := sizes[name]
		if !ok {
			p.Log.Warn("conversion_unknown",
				zap.Int64("media_id", rec.ID), zap.String("conversion", name))
			continue
		}
		if err := p.generate(ctx, rec, name, conv, src); err != nil {
			p.Log.Error("conversion_failed",
				zap.Int64("media_id", rec.ID),
				zap.String("conversion", name),
				zap.Error(err))
			continue
		}
	}
	return nil
}

func (p *ConversionProcessor) generate(ctx context.Context, rec *media.Record, name string, conv profile.Conversion, src string) error {
	data, ext, err := imaging.EncodeConversion(src, conv.Width, conv.Height)
	if err != nil {
		return err
	}
	dst := path.Join(rec.Directory, "conversions", name+"."+ext)
	if _, err := p.Storage.WriteStream(ctx, rec.Disk, dst, bytes.NewReader(data)); err != nil {
		return err
	}

	allDone, err := p.Store.MarkConversionGenerated(ctx, rec.ID, name)
	if err != nil {
		return err
	}
	// A cleanup entry keyed to this media (it was superseded while the
	// job was in flight) releases once its conversions drain.
	if err := p.Cleanup.HandleConversionEvent(ctx, rec.ID, name); err != nil {
		p.Log.Warn("conversion_event_failed",
			zap.Int64("media_id", rec.ID), zap.String("conversion", name), zap.Error(err))
	}
	if allDone {
		p.Log.Info("processing_completed", zap.Int64("media_id", rec.ID))
	}
	return nil
}

// fetchBlob copies the record's blob to a local temp file for decoding.
func (p *ConversionProcessor) fetchBlob(ctx context.Context, rec *media.Record) (string, error) {
	rc, err := p.Storage.Open(ctx, rec.Disk, rec.Path())
	if err != nil {
		return "", fmt.Errorf("coalesce: media %d blob: %w", rec.ID, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "convert-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
