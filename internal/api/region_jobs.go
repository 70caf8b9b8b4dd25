package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paulmach/orb"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/regionstore"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/service"
)

// regionTimeout bounds a single region query.
const regionTimeout = 2 * time.Minute

// NewRegionExecutor runs region jobs against their session's tiles. Results
// of queries that fetch every chunk they touch do not depend on what the
// session had loaded, so they are memoized in the query cache.
func NewRegionExecutor(sessions *SessionManager, m *cache.Manager) Executor {
	return func(ctx context.Context, job *regionstore.Job) ([]byte, int, error) {
		sess, err := sessions.Get(job.SessionID)
		if err != nil {
			return nil, 0, err
		}
		ctx, cancel := context.WithTimeout(ctx, regionTimeout)
		defer cancel()

		region := service.Region{
			Center: orb.Point(job.Params.Center),
			Radius: job.Params.Radius,
			Units:  job.Params.Units,
		}
		sel := selector.Selector(job.Params.Selector)

		memo := m != nil && !sess.Tiles.RegionOptions().CachedOnly
		if memo {
			if err := sess.Tiles.WaitInitialized(ctx); err != nil {
				return nil, 0, err
			}
			key := cache.RegionKey(job.SourceID, sess.Tiles.State().Level, mustJSON(region), sel.Hash())
			if body, ok := m.GetQuery(key); ok {
				var probe struct {
					Coordinates struct {
						Lat []float64 `json:"lat"`
					} `json:"coordinates"`
				}
				if err := json.Unmarshal(body, &probe); err == nil {
					return body, len(probe.Coordinates.Lat), nil
				}
			}
		}

		res, err := sess.Tiles.QueryRegion(ctx, region, sel)
		if err != nil {
			return nil, 0, err
		}
		body, err := json.Marshal(res)
		if err != nil {
			return nil, 0, err
		}
		if memo {
			m.SetQuery(cache.RegionKey(job.SourceID, res.Level, mustJSON(region), sel.Hash()), body)
		}
		return body, res.Len(), nil
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// PublishRegionResults pushes each delivered region result to the session it
// belongs to.
func PublishRegionResults(sessions *SessionManager) func(*regionstore.Job, []byte) {
	return func(job *regionstore.Job, result []byte) {
		sessions.Publish(job.SessionID, Event{
			Type:       "region_result",
			JobID:      job.ID,
			Generation: job.Generation,
			Result:     result,
		})
	}
}
