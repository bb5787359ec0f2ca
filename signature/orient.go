package signature

// Orientation is one of the eight symmetries of the square grid.
type Orientation uint8

const (
	Identity Orientation = iota
	Rotate90
	Rotate180
	Rotate270
	Mirror
	MirrorRotate90
	MirrorRotate180
	MirrorRotate270
)

var orientationNames = map[Orientation]string{
	Identity:        "identity",
	Rotate90:        "rotate90",
	Rotate180:       "rotate180",
	Rotate270:       "rotate270",
	Mirror:          "mirror",
	MirrorRotate90:  "mirror_rotate90",
	MirrorRotate180: "mirror_rotate180",
	MirrorRotate270: "mirror_rotate270",
}

func (o Orientation) String() string {
	if name, ok := orientationNames[o]; ok {
		return name
	}
	return "unknown"
}

// quarterTurns is the number of clockwise 90° rotations applied before an
// optional mirror.
func (o Orientation) quarterTurns() int {
	return int(o % 4)
}

func (o Orientation) mirrored() bool {
	return o >= Mirror && o <= MirrorRotate270
}

// Variant is a signature as it would be computed from the image seen in
// Orientation.
type Variant struct {
	Orientation Orientation
	Signature   Signature
}

// Expand returns the signature in every orientation, identity first. Rotations
// are always included; mirrored variants only when includeMirrors is set. A
// signature that is not a square grid yields only the identity.
func Expand(sig Signature, includeMirrors bool) []Variant {
	variants := []Variant{{Orientation: Identity, Signature: sig.Clone()}}
	if sig.GridSize() == 0 {
		return variants
	}

	last := Rotate270
	if includeMirrors {
		last = MirrorRotate270
	}
	for o := Rotate90; o <= last; o++ {
		variants = append(variants, Variant{Orientation: o, Signature: Transform(sig, o)})
	}
	return variants
}

// Transform returns the signature of the image rotated clockwise by the
// orientation's quarter turns and then mirrored left-right if requested. Cells and
// directions are permuted exactly; no value is recomputed.
func Transform(sig Signature, o Orientation) Signature {
	out := sig.Clone()
	if sig.GridSize() == 0 {
		return out
	}
	for range o.quarterTurns() {
		out = rotate90(out)
	}
	if o.mirrored() {
		out = mirror(out)
	}
	return out
}

// rotate90 maps the signature of image I to that of R, R[r][c] = I[n-1-c][r].
// The value at cell (r,c) toward (dr,dc) equals I's value at (n-1-c, r) toward
// (-dc, dr).
func rotate90(sig Signature) Signature {
	return permute(sig, func(r, c, n int) (int, int) {
		return n - 1 - c, r
	}, func(dr, dc int) (int, int) {
		return -dc, dr
	})
}

// mirror maps the signature of image I to that of M, M[r][c] = I[r][n-1-c].
func mirror(sig Signature) Signature {
	return permute(sig, func(r, c, n int) (int, int) {
		return r, n - 1 - c
	}, func(dr, dc int) (int, int) {
		return dr, -dc
	})
}

func permute(sig Signature, cell func(r, c, n int) (int, int), dir func(dr, dc int) (int, int)) Signature {
	n := sig.GridSize()
	out := make(Signature, len(sig))
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			sr, sc := cell(r, c, n)
			for d, off := range offsets {
				sd := directionOf(dir(off[0], off[1]))
				out[(r*n+c)*Directions+d] = sig[(sr*n+sc)*Directions+sd]
			}
		}
	}
	return out
}

func directionOf(dr, dc int) int {
	for d, off := range offsets {
		if off[0] == dr && off[1] == dc {
			return d
		}
	}
	panic("signature: invalid direction offset")
}
