package cli

import (
	"fmt"
	"net/http"

	"mediaforge/config"
	"mediaforge/credentials"
	"mediaforge/encoder"
	"mediaforge/events"
	"mediaforge/job"
	"mediaforge/library"
	"mediaforge/logger"
	"mediaforge/models"
	"mediaforge/progress"
	"mediaforge/routes"
	"mediaforge/serial"
	taskqueue "mediaforge/taskQueue"
	"mediaforge/transcode"
	"mediaforge/utils"
	writerbackends "mediaforge/writerBackends"
)

// app is every component of a running server, wired from one Config.
type app struct {
	cfg         *config.Config
	allocator   *serial.Allocator
	registry    *progress.Registry
	events      *events.Broadcaster
	supervisor  *transcode.Supervisor
	runner      *job.Runner
	library     *library.Library
	credentials *credentials.Store
	handler     http.Handler
}

func newAllocator(cfg *config.Config) *serial.Allocator {
	paths := make(map[models.Kind]string, len(models.Kinds))
	for _, kind := range models.Kinds {
		paths[kind] = cfg.CounterPath(kind)
	}
	return serial.NewAllocator(paths)
}

func newSupervisor(cfg *config.Config) *transcode.Supervisor {
	return transcode.NewSupervisor(transcode.Config{
		FFmpeg:      cfg.Tools.FFmpeg,
		FFprobe:     cfg.Tools.FFprobe,
		Heartbeat:   cfg.Video.Heartbeat,
		CancelGrace: cfg.Video.CancelGrace,
	})
}

func newLibrary(cfg *config.Config) *library.Library {
	dirs := make(map[models.Kind]library.Dirs, len(models.Kinds))
	for _, kind := range models.Kinds {
		dirs[kind] = library.Dirs{
			Originals:  cfg.OriginalsDir(kind),
			Outputs:    cfg.OutputDir(kind),
			Thumbnails: cfg.ThumbnailDir(kind),
		}
	}
	return library.New(dirs)
}

func mirrors(cfg *config.Config) []writerbackends.Mirror {
	out := make([]writerbackends.Mirror, 0, len(cfg.Mirrors))
	for _, m := range cfg.Mirrors {
		mirror := writerbackends.Mirror{
			Name:           m.Name,
			Type:           m.Type,
			CredentialsKey: m.CredentialsKey,
			Folder:         m.Folder,
			BaseDir:        m.BaseDir,
		}
		if mirror.Name == "" {
			mirror.Name = m.Type
		}
		for _, k := range m.Kinds {
			// Validate already rejected unknown kinds.
			kind, _ := models.ParseKind(k)
			mirror.Kinds = append(mirror.Kinds, kind)
		}
		out = append(out, mirror)
	}
	return out
}

func tokenConfig(cfg *config.Config) utils.TokenConfig {
	return utils.TokenConfig{
		SecretKey:      []byte(cfg.Auth.JWTSecret),
		ExpectedIssuer: cfg.Auth.Issuer,
		ClockSkew:      cfg.Auth.ClockSkew,
	}
}

// newApp creates directories, opens the credentials store and wires every
// component. The caller owns close.
func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := credentials.Open(cfg.CredentialsDBPath())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		allocator:   newAllocator(cfg),
		registry:    progress.NewRegistry(),
		events:      events.NewBroadcaster(cfg.Events.Buffer),
		supervisor:  newSupervisor(cfg),
		library:     newLibrary(cfg),
		credentials: store,
	}

	enc := encoder.NewRegistry(cfg.Tools.Magick)
	enc.RegisterDefaults()

	opts := job.Options{
		Allocator:  a.allocator,
		Registry:   a.registry,
		Events:     a.events,
		Supervisor: a.supervisor,
		Encoder:    enc,
		Limiter:    taskqueue.NewLimiter(cfg.Video.MaxConcurrent),
		Library:    a.library,
		Photo: job.PhotoSettings{
			Width:        cfg.Photo.Width,
			Height:       cfg.Photo.Height,
			Quality:      cfg.Photo.Quality,
			ThumbWidth:   cfg.Photo.ThumbWidth,
			ThumbHeight:  cfg.Photo.ThumbHeight,
			ThumbQuality: cfg.Photo.ThumbQuality,
		},
		Video: transcode.Encoding{
			Codec:        cfg.Video.Codec,
			CRF:          cfg.Video.CRF,
			Preset:       cfg.Video.Preset,
			AudioCodec:   cfg.Video.AudioCodec,
			AudioBitrate: cfg.Video.AudioBitrate,
			ThumbWidth:   cfg.Video.ThumbWidth,
			ThumbHeight:  cfg.Video.ThumbHeight,
			ThumbOffset:  cfg.Video.ThumbOffset,
		},
	}
	if len(cfg.Mirrors) > 0 {
		opts.Publisher = writerbackends.NewPublisher(mirrors(cfg), store)
		logger.Infof("Mirroring outputs to %d destinations", len(cfg.Mirrors))
	}
	a.runner = job.NewRunner(opts)

	auth := tokenConfig(cfg)
	if len(auth.SecretKey) == 0 {
		logger.Warn("auth.jwt_secret is empty; mutating routes are open")
	}
	a.handler = routes.NewServer(routes.Options{
		Allocator:   a.allocator,
		Runner:      a.runner,
		Library:     a.library,
		Events:      a.events,
		Credentials: store,
		Auth:        auth,
	}).Handler()
	return a, nil
}

func (a *app) close() error {
	if err := a.credentials.Close(); err != nil {
		return fmt.Errorf("close credentials store: %w", err)
	}
	return nil
}
