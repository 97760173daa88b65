// Package genetic implements the genetic-algorithm optimization method
// (C10): elitism, binary tournament selection, uniform crossover,
// discrete-list mutation, and a mutex-guarded fitness cache keyed by
// ParameterSet.Hash (spec.md invariant 8). Grounded on this
// codebase's optimizer package, with the cache added since the
// original method re-evaluates identical candidates across
// generations with no memoization at all.
package genetic

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/gridsearch"
	"github.com/avolkov/backtestsim/internal/metrics"
	"github.com/avolkov/backtestsim/internal/paramspace"
)

// Config configures one genetic-algorithm run.
type Config struct {
	PopulationSize int
	Generations    int
	EliteCount     int
	MutationRate   float64
	CrossoverRate  float64
	TournamentSize int
	Seed           int64
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		PopulationSize: 40,
		Generations:    30,
		EliteCount:     4,
		MutationRate:   0.1,
		CrossoverRate:  0.7,
		TournamentSize: 2,
	}
}

// evaluated pairs a ParameterSet with its fitness for one generation.
type evaluated struct {
	ps     paramspace.ParameterSet
	metric metrics.Result
	score  float64
}

// cacheEntry is one memoized fitness evaluation.
type cacheEntry struct {
	metric metrics.Result
	score  float64
}

// Cache memoizes fitness(ps) by ps.Hash(), guarded by a mutex: the
// single shared mutable resource the GA introduces into an otherwise
// single-threaded-per-backtest concurrency model.
type Cache struct {
	mu    sync.Mutex
	store map[string]cacheEntry
}

// NewCache returns an empty fitness cache.
func NewCache() *Cache {
	return &Cache{store: make(map[string]cacheEntry)}
}

// GetOrCompute returns the cached metric/score for ps, computing and
// storing it via fitness on a miss.
func (c *Cache) GetOrCompute(ctx context.Context, ps paramspace.ParameterSet, fitness gridsearch.Fitness) (metrics.Result, float64, error) {
	key := ps.Hash()

	c.mu.Lock()
	if entry, ok := c.store[key]; ok {
		c.mu.Unlock()
		return entry.metric, entry.score, nil
	}
	c.mu.Unlock()

	metric, score, err := fitness(ctx, ps)
	if err != nil {
		return metrics.Result{}, 0, err
	}

	c.mu.Lock()
	c.store[key] = cacheEntry{metric: metric, score: score}
	c.mu.Unlock()
	return metric, score, nil
}

// Len reports how many distinct ParameterSets have been evaluated.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// Run executes the genetic algorithm against axes, the set of
// candidate values each strategy/sizer/slippage axis may take
// (already expanded, one paramspace.Axis per mutable dimension).
// Returns the best candidate seen across all generations.
func Run(
	ctx context.Context,
	logger *zap.Logger,
	cfg Config,
	axes Axes,
	fitness gridsearch.Fitness,
	cache *Cache,
	progress chan<- gridsearch.Progress,
) (gridsearch.Result, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	population := initializePopulation(rng, cfg.PopulationSize, axes)

	var best gridsearch.Result
	haveBest := false
	completed := 0
	total := cfg.PopulationSize * cfg.Generations

	for gen := 0; gen < cfg.Generations; gen++ {
		select {
		case <-ctx.Done():
			return best, ctx.Err()
		default:
		}

		scored := make([]evaluated, len(population))
		var wg sync.WaitGroup
		for i, ps := range population {
			wg.Add(1)
			go func(i int, ps paramspace.ParameterSet) {
				defer wg.Done()
				metric, score, err := cache.GetOrCompute(ctx, ps, fitness)
				if err != nil {
					score = 0
					logger.Debug("genetic: candidate failed", zap.Error(err))
				}
				scored[i] = evaluated{ps: ps, metric: metric, score: score}
			}(i, ps)
		}
		wg.Wait()

		for _, e := range scored {
			completed++
			if progress != nil {
				select {
				case progress <- gridsearch.Progress{Completed: completed, Total: total}:
				default:
				}
			}
			if !haveBest || e.score > best.Score {
				best = gridsearch.Result{ParameterSet: e.ps, Metric: e.metric, Score: e.score}
				haveBest = true
			}
		}

		population = evolve(rng, cfg, axes, scored)
	}

	return best, nil
}

// Axes names the mutable dimensions the mutation/crossover operators
// act on: one Axis per strategy parameter, one for the sizer value,
// one per sizer-extra knob, one for slippage.
type Axes struct {
	StrategyAxes []paramspace.Axis
	PosSizerName string
	PosSizerAxis paramspace.Axis
	SizerExtra   []paramspace.Axis
	SlippageAxis paramspace.Axis
}

func initializePopulation(rng *rand.Rand, size int, axes Axes) []paramspace.ParameterSet {
	population := make([]paramspace.ParameterSet, size)
	for i := range population {
		population[i] = randomIndividual(rng, axes)
	}
	return population
}

func randomIndividual(rng *rand.Rand, axes Axes) paramspace.ParameterSet {
	strategyParams := make(map[string]float64, len(axes.StrategyAxes))
	for _, axis := range axes.StrategyAxes {
		strategyParams[axis.Name] = pickRandom(rng, axis)
	}
	extra := make(map[string]float64, len(axes.SizerExtra))
	for _, axis := range axes.SizerExtra {
		extra[axis.Name] = pickRandom(rng, axis)
	}
	return paramspace.ParameterSet{
		StrategyParams: strategyParams,
		PosSizerName:   axes.PosSizerName,
		PosSizerValue:  pickRandom(rng, axes.PosSizerAxis),
		PosSizerExtra:  extra,
		Slippage:       pickRandom(rng, axes.SlippageAxis),
	}
}

func pickRandom(rng *rand.Rand, axis paramspace.Axis) float64 {
	values := axis.Expand()
	if len(values) == 0 {
		return 0
	}
	return values[rng.Intn(len(values))]
}

func evolve(rng *rand.Rand, cfg Config, axes Axes, scored []evaluated) []paramspace.ParameterSet {
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	next := make([]paramspace.ParameterSet, 0, cfg.PopulationSize)
	for i := 0; i < cfg.EliteCount && i < len(scored); i++ {
		next = append(next, scored[i].ps)
	}

	for len(next) < cfg.PopulationSize {
		parent1 := tournamentSelect(rng, scored, cfg.TournamentSize)
		parent2 := tournamentSelect(rng, scored, cfg.TournamentSize)

		child := crossover(rng, cfg.CrossoverRate, parent1, parent2)
		child = mutate(rng, cfg.MutationRate, axes, child)
		next = append(next, child)
	}
	return next
}

func tournamentSelect(rng *rand.Rand, scored []evaluated, size int) paramspace.ParameterSet {
	if size < 1 {
		size = 1
	}
	best := scored[rng.Intn(len(scored))]
	for i := 1; i < size; i++ {
		candidate := scored[rng.Intn(len(scored))]
		if candidate.score > best.score {
			best = candidate
		}
	}
	return best.ps
}

// crossover performs uniform crossover on strategy params only, each
// axis independently drawing parent A's value with probability rate.
// pos_sizer_name, pos_sizer_extra, pos_sizer_value and slippage are
// inherited from parent A unchanged: they are not under crossover,
// only mutation (spec.md §4.9).
func crossover(rng *rand.Rand, rate float64, a, b paramspace.ParameterSet) paramspace.ParameterSet {
	strategyParams := make(map[string]float64, len(a.StrategyParams))
	for k := range a.StrategyParams {
		if rng.Float64() < rate {
			strategyParams[k] = a.StrategyParams[k]
		} else {
			strategyParams[k] = b.StrategyParams[k]
		}
	}

	extra := make(map[string]float64, len(a.PosSizerExtra))
	for k, v := range a.PosSizerExtra {
		extra[k] = v
	}

	return paramspace.ParameterSet{
		StrategyParams: strategyParams,
		PosSizerName:   a.PosSizerName,
		PosSizerExtra:  extra,
		PosSizerValue:  a.PosSizerValue,
		Slippage:       a.Slippage,
	}
}

// mutate replaces pos_sizer_value and slippage independently, each
// with probability rate, by a fresh draw from that axis's legal value
// list. Strategy params are varied only by crossover; pos_sizer_name
// and pos_sizer_extra are not under optimization at all (spec.md §4.9).
func mutate(rng *rand.Rand, rate float64, axes Axes, ps paramspace.ParameterSet) paramspace.ParameterSet {
	if rng.Float64() < rate {
		ps.PosSizerValue = pickRandom(rng, axes.PosSizerAxis)
	}
	if rng.Float64() < rate {
		ps.Slippage = pickRandom(rng, axes.SlippageAxis)
	}
	return ps
}
