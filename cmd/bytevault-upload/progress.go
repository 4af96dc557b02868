package main

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bytevault-io/go-uploader/registry"
	"github.com/bytevault-io/go-uploader/task"
	"github.com/docker/go-units"
)

// progressStep is the progress change, in percent, below which progress events are not printed.
const progressStep = 10

type progressPrinter struct {
	logger  log.Logger
	printed map[string]float64
}

func newProgressPrinter(logger log.Logger) *progressPrinter {
	return &progressPrinter{logger: logger, printed: map[string]float64{}}
}

func (p *progressPrinter) render(events <-chan registry.Event) {
	for event := range events {
		p.print(event)
	}
}

func (p *progressPrinter) print(event registry.Event) {
	snapshot := event.Snapshot

	switch event.Kind {
	case registry.EventProgress:
		last, ok := p.printed[event.TaskID]
		if ok && snapshot.Progress-last < progressStep && snapshot.Progress < 100 {
			return
		}
		p.printed[event.TaskID] = snapshot.Progress
		p.logger.Printf("%s", formatProgress(snapshot))
	case registry.EventStateChanged:
		switch snapshot.State {
		case task.Completed:
			p.logger.Donef("%s", formatProgress(snapshot))
		case task.Failed:
			p.logger.Errorf("%s: %s", formatProgress(snapshot), snapshot.LastError)
		default:
			p.logger.Infof("%s", formatProgress(snapshot))
		}
	case registry.EventWarning:
		p.logger.Warnf("%s: server did not confirm the merge in time, check the file on the server", snapshot.FileName)
	case registry.EventRemoved:
		delete(p.printed, event.TaskID)
	}
}

// formatProgress renders a line like "movie.mkv  Uploading  42.5%  8.5MB / 20MB".
func formatProgress(snapshot task.Snapshot) string {
	return fmt.Sprintf("%s  %s  %.1f%%  %s / %s",
		snapshot.FileName,
		snapshot.State.Label(),
		snapshot.Progress,
		units.HumanSize(float64(snapshot.BytesTransferred)),
		units.HumanSize(float64(snapshot.FileSize)),
	)
}
