package nn

// SmallInceptionFineTuneAt is the layer index from which fine-tuning
// unfreezes the SmallInception backbone: everything below the final
// mixed block stays frozen.
const SmallInceptionFineTuneAt = 20

// convBN is a convolution, batch norm, relu triplet. Convolutions
// carry no bias since batch norm supplies the shift.
func convBN(filters, size, stride int, same bool) []LayerConfig {
	return []LayerConfig{
		Conv{Filters: filters, Size: size, Stride: stride, Same: same, NoBias: true}.Marshal(),
		BatchNorm{}.Marshal(),
		ReLU{}.Marshal(),
	}
}

// inceptionBlock builds a mixed block with four parallel paths: a 1x1
// projection, a 5x5 path, a double 3x3 path and a pooled projection.
func inceptionBlock(c1, c5r, c5, c3r, c3, pool int) LayerConfig {
	double3 := append(convBN(c3r, 1, 1, true), convBN(c3, 3, 1, true)...)
	double3 = append(double3, convBN(c3, 3, 1, true)...)
	return Branch{Paths: [][]LayerConfig{
		convBN(c1, 1, 1, true),
		append(convBN(c5r, 1, 1, true), convBN(c5, 5, 1, true)...),
		double3,
		append([]LayerConfig{AvgPool{Size: 3, Stride: 1, Same: true}.Marshal()}, convBN(pool, 1, 1, true)...),
	}}.Marshal()
}

// SmallInception returns a compact Inception-style backbone: a
// convolutional stem that reduces 299x299 input to 35x35, followed by
// three mixed blocks separated by max pooling. The classifier head is
// attached separately.
func SmallInception() []LayerConfig {
	var cfgs []LayerConfig
	add := func(more ...LayerConfig) {
		cfgs = append(cfgs, more...)
	}

	// Stem.
	add(convBN(32, 3, 2, false)...)
	add(convBN(32, 3, 1, false)...)
	add(convBN(64, 3, 1, true)...)
	add(MaxPool{Size: 3, Stride: 2}.Marshal())
	add(convBN(80, 1, 1, false)...)
	add(convBN(192, 3, 1, false)...)
	add(MaxPool{Size: 3, Stride: 2}.Marshal())

	// Mixed blocks.
	add(inceptionBlock(64, 48, 64, 64, 96, 32))
	add(MaxPool{Size: 3, Stride: 2}.Marshal())
	add(inceptionBlock(128, 96, 128, 96, 128, 64))
	add(MaxPool{Size: 3, Stride: 2}.Marshal())
	add(inceptionBlock(192, 128, 192, 128, 192, 96))

	return cfgs
}
