package bundle

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"bundler/internal/geometry"
)

// LMAdjuster is Levenberg-Marquardt on the normal equations, with points
// eliminated through the Schur complement so only the reduced camera
// system is factorised.
type LMAdjuster struct {
	MaxIterations int
	Tolerance     float64
}

type blockKey struct{ cam, pt int }

func (a *LMAdjuster) Adjust(_ context.Context, p *Problem) (Solution, error) {
	if err := p.validate(); err != nil {
		return Solution{}, err
	}
	maxIter := a.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}
	tol := a.Tolerance
	if tol <= 0 {
		tol = 1e-9
	}

	cams, pts := copyScene(p)
	initial := Cost(cams, pts, p.Observations)
	if initial < 1e-18 {
		return Solution{Cameras: cams, Points: pts, InitialCost: initial, FinalCost: initial}, nil
	}

	l := layout{focal: p.AdjustFocal, distortion: p.AdjustDistortion}
	nc := l.size()
	camBlock := make([]int, len(cams))
	free := 0
	for i := range cams {
		camBlock[i] = -1
		if !p.cameraFixed(i) {
			camBlock[i] = free
			free++
		}
	}

	current := initial
	lambda := 1e-3
	iter := 0
	jac := mat.NewDense(2, nc+3, nil)
	for ; iter < maxIter; iter++ {
		U := make([]*mat.Dense, free)
		for k := range U {
			U[k] = mat.NewDense(nc, nc, nil)
		}
		gc := mat.NewVecDense(max(free*nc, 1), nil)
		V := make(map[int]*geometry.Mat3)
		gp := make(map[int]*r3.Vector)
		W := make(map[blockKey]*mat.Dense)
		ptCams := make(map[int][]int)

		for _, o := range p.Observations {
			cb := camBlock[o.Camera]
			ptFree := !p.pointFixed(o.Point)
			if cb < 0 && !ptFree {
				continue
			}
			e := observationJacobian(l, cams[o.Camera], pts[o.Point], o.P, jac)
			if cb >= 0 {
				for r := 0; r < nc; r++ {
					gc.SetVec(cb*nc+r, gc.AtVec(cb*nc+r)+jac.At(0, r)*e.X+jac.At(1, r)*e.Y)
					for c := 0; c < nc; c++ {
						U[cb].Set(r, c, U[cb].At(r, c)+jac.At(0, r)*jac.At(0, c)+jac.At(1, r)*jac.At(1, c))
					}
				}
			}
			if !ptFree {
				continue
			}
			v, ok := V[o.Point]
			if !ok {
				v = new(geometry.Mat3)
				V[o.Point] = v
				gp[o.Point] = new(r3.Vector)
			}
			g := gp[o.Point]
			g.X += jac.At(0, nc)*e.X + jac.At(1, nc)*e.Y
			g.Y += jac.At(0, nc+1)*e.X + jac.At(1, nc+1)*e.Y
			g.Z += jac.At(0, nc+2)*e.X + jac.At(1, nc+2)*e.Y
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					v[3*r+c] += jac.At(0, nc+r)*jac.At(0, nc+c) + jac.At(1, nc+r)*jac.At(1, nc+c)
				}
			}
			if cb < 0 {
				continue
			}
			key := blockKey{cb, o.Point}
			w, ok := W[key]
			if !ok {
				w = mat.NewDense(nc, 3, nil)
				W[key] = w
				ptCams[o.Point] = append(ptCams[o.Point], cb)
			}
			for r := 0; r < nc; r++ {
				for c := 0; c < 3; c++ {
					w.Set(r, c, w.At(r, c)+jac.At(0, r)*jac.At(0, nc+c)+jac.At(1, r)*jac.At(1, nc+c))
				}
			}
		}

		accepted := false
		for attempt := 0; attempt < 10 && !accepted; attempt++ {
			dc, dp, ok := solveDamped(U, gc, V, gp, W, ptCams, nc, free, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			candCams := append([]geometry.Camera(nil), cams...)
			for i, cb := range camBlock {
				if cb >= 0 {
					candCams[i] = l.apply(cams[i], dc[cb*nc:(cb+1)*nc])
				}
			}
			candPts := append([]r3.Vector(nil), pts...)
			for i, d := range dp {
				candPts[i] = pts[i].Add(d)
			}
			cost := Cost(candCams, candPts, p.Observations)
			if cost < current {
				rel := (current - cost) / current
				cams, pts, current = candCams, candPts, cost
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				if rel < tol {
					iter = maxIter
				}
			} else {
				lambda *= 10
			}
		}
		if !accepted {
			break
		}
	}

	if !(current < initial) {
		return Solution{}, ErrNotConverged
	}
	return Solution{Cameras: cams, Points: pts, InitialCost: initial, FinalCost: current, Iterations: iter}, nil
}

// solveDamped forms and solves the reduced camera system, then back
// substitutes the point updates.
func solveDamped(U []*mat.Dense, gc *mat.VecDense, V map[int]*geometry.Mat3, gp map[int]*r3.Vector,
	W map[blockKey]*mat.Dense, ptCams map[int][]int, nc, free int, lambda float64) ([]float64, map[int]r3.Vector, bool) {

	vinv := make(map[int]geometry.Mat3, len(V))
	for i, v := range V {
		d := *v
		for k := 0; k < 3; k++ {
			d[4*k] = v[4*k]*(1+lambda) + 1e-12
		}
		inv, ok := d.Inverse()
		if !ok {
			continue
		}
		vinv[i] = inv
	}

	var dc []float64
	if free > 0 {
		n := free * nc
		S := mat.NewDense(n, n, nil)
		rhs := mat.NewVecDense(n, nil)
		rhs.CopyVec(gc)
		for cb, u := range U {
			for r := 0; r < nc; r++ {
				for c := 0; c < nc; c++ {
					val := u.At(r, c)
					if r == c {
						val = val*(1+lambda) + 1e-12
					}
					S.Set(cb*nc+r, cb*nc+c, val)
				}
			}
		}
		for pt, cbs := range ptCams {
			inv, ok := vinv[pt]
			if !ok {
				continue
			}
			vi := inv.Dense()
			g := gp[pt]
			gv := mat.NewVecDense(3, []float64{g.X, g.Y, g.Z})
			for _, c1 := range cbs {
				var wv mat.Dense
				wv.Mul(W[blockKey{c1, pt}], vi)
				var t mat.VecDense
				t.MulVec(&wv, gv)
				for r := 0; r < nc; r++ {
					rhs.SetVec(c1*nc+r, rhs.AtVec(c1*nc+r)-t.AtVec(r))
				}
				for _, c2 := range cbs {
					var blk mat.Dense
					blk.Mul(&wv, W[blockKey{c2, pt}].T())
					for r := 0; r < nc; r++ {
						for c := 0; c < nc; c++ {
							S.Set(c1*nc+r, c2*nc+c, S.At(c1*nc+r, c2*nc+c)-blk.At(r, c))
						}
					}
				}
			}
		}

		var x mat.VecDense
		sym := mat.NewSymDense(n, nil)
		for r := 0; r < n; r++ {
			for c := r; c < n; c++ {
				sym.SetSym(r, c, 0.5*(S.At(r, c)+S.At(c, r)))
			}
		}
		var chol mat.Cholesky
		if chol.Factorize(sym) {
			if err := chol.SolveVecTo(&x, rhs); err != nil {
				return nil, nil, false
			}
		} else if err := x.SolveVec(S, rhs); err != nil {
			return nil, nil, false
		}
		dc = x.RawVector().Data
		for _, v := range dc {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, false
			}
		}
	}

	dp := make(map[int]r3.Vector, len(vinv))
	for pt, inv := range vinv {
		g := *gp[pt]
		for _, cb := range ptCams[pt] {
			w := W[blockKey{cb, pt}]
			for r := 0; r < nc; r++ {
				d := dc[cb*nc+r]
				g.X -= w.At(r, 0) * d
				g.Y -= w.At(r, 1) * d
				g.Z -= w.At(r, 2) * d
			}
		}
		dp[pt] = inv.MulVec(g)
	}
	return dc, dp, true
}
