package inpaint

import (
	"context"
	"image"
	"math"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/chaos-io/imgforge/imgutil"
	"github.com/chaos-io/imgforge/metrics"
)

const (
	MinRadius     = 3
	DefaultRadius = 5
)

type flag uint8

const (
	known flag = iota
	band
	unknown
)

// Telea 同步执行，不需要模型；Radius 为 0 时取 DefaultRadius，小于 3 时按 3 处理
type Telea struct {
	Radius int
}

func (t Telea) Inpaint(ctx context.Context, img image.Image, mask image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	radius := t.Radius
	if radius == 0 {
		radius = DefaultRadius
	}
	out, err := InpaintTelea(img, mask, radius)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Inpaints.WithLabelValues(string(StrategyTelea), result).Inc()
	return out, err
}

type bandItem struct {
	dist float64
	seq  int
	idx  int
}

func compareBand(a, b bandItem) int {
	switch {
	case a.dist < b.dist:
		return -1
	case a.dist > b.dist:
		return 1
	}
	return a.seq - b.seq
}

// fmm 一次补全的全部状态
type fmm struct {
	w, h   int
	radius int
	pix    []uint8 // NRGBA，每像素 4 字节
	hole   []bool
	flags  []flag
	dist   []float64
	queue  *priorityqueue.Queue[bandItem]
	seq    int
}

// InpaintTelea mask 中非零像素视为待补全区域。
// Band 按 (距离, 入队顺序) 出队，初始 Band 按光栅顺序入队，结果是确定的
func InpaintTelea(img image.Image, mask image.Image, radius int) (*image.NRGBA, error) {
	vals, err := maskValues(img, mask)
	if err != nil {
		return nil, err
	}

	src := imgutil.ToNRGBA(img)
	b := src.Bounds()
	s := &fmm{
		w:      b.Dx(),
		h:      b.Dy(),
		radius: max(radius, MinRadius),
		pix:    make([]uint8, b.Dx()*b.Dy()*4),
		hole:   make([]bool, len(vals)),
		flags:  make([]flag, len(vals)),
		dist:   make([]float64, len(vals)),
		queue:  priorityqueue.NewWith[bandItem](compareBand),
	}
	for y := 0; y < s.h; y++ {
		copy(s.pix[y*s.w*4:(y+1)*s.w*4], src.Pix[y*src.Stride:y*src.Stride+s.w*4])
	}

	anyKnown := false
	for i, v := range vals {
		if v != 0 {
			s.hole[i] = true
			s.flags[i] = unknown
			s.dist[i] = math.Inf(1)
		} else {
			anyKnown = true
		}
	}
	if !anyKnown {
		return nil, ErrNothingKnown
	}

	for i := range s.flags {
		if s.flags[i] == known && s.touchesUnknown(i) {
			s.flags[i] = band
			s.push(i)
		}
	}
	s.march()

	out := image.NewNRGBA(image.Rect(0, 0, s.w, s.h))
	copy(out.Pix, s.pix)
	return out, nil
}

func (s *fmm) push(i int) {
	s.queue.Enqueue(bandItem{dist: s.dist[i], seq: s.seq, idx: i})
	s.seq++
}

func (s *fmm) neighbours(i int, fn func(n int)) {
	x, y := i%s.w, i/s.w
	if y > 0 {
		fn(i - s.w)
	}
	if x > 0 {
		fn(i - 1)
	}
	if x+1 < s.w {
		fn(i + 1)
	}
	if y+1 < s.h {
		fn(i + s.w)
	}
}

func (s *fmm) touchesUnknown(i int) bool {
	found := false
	s.neighbours(i, func(n int) {
		if s.flags[n] == unknown {
			found = true
		}
	})
	return found
}

// contributes 原始已知像素，或者已经出队定值的补全像素
func (s *fmm) contributes(i int) bool {
	return !s.hole[i] || s.flags[i] == known
}

func (s *fmm) march() {
	for !s.queue.Empty() {
		item, _ := s.queue.Dequeue()
		i := item.idx
		if s.flags[i] == known {
			continue
		}
		s.flags[i] = known

		s.neighbours(i, func(n int) {
			if s.flags[n] != unknown {
				return
			}
			s.flags[n] = band
			s.dist[n] = s.eikonal(n)
			s.fill(n)
			s.push(n)
		})
	}
}

// eikonal 已定值 4 邻域的最小距离 + 1
func (s *fmm) eikonal(i int) float64 {
	best := math.Inf(1)
	s.neighbours(i, func(n int) {
		if s.contributes(n) {
			best = math.Min(best, s.dist[n])
		}
	})
	return best + 1
}

// fill 半径内已定值像素的加权平均，w = 1 / (d² · (1+T)²)
func (s *fmm) fill(i int) {
	x0, y0 := i%s.w, i/s.w
	r := s.radius
	var sum [4]float64
	var total float64
	for y := max(0, y0-r); y <= min(s.h-1, y0+r); y++ {
		for x := max(0, x0-r); x <= min(s.w-1, x0+r); x++ {
			dx, dy := x-x0, y-y0
			d2 := float64(dx*dx + dy*dy)
			if d2 == 0 || d2 > float64(r*r) {
				continue
			}
			j := y*s.w + x
			if !s.contributes(j) {
				continue
			}
			t := 1 + s.dist[j]
			w := 1 / (d2 * t * t)
			for c := 0; c < 4; c++ {
				sum[c] += w * float64(s.pix[j*4+c])
			}
			total += w
		}
	}
	if total == 0 {
		return
	}
	for c := 0; c < 4; c++ {
		s.pix[i*4+c] = uint8(math.Max(0, math.Min(255, math.Round(sum[c]/total))))
	}
}
