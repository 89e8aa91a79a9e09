package detect

// kernelProgramSource holds every detector pipeline stage as OpenCL C.
// Grayscale data is packed four logical pixels per float4 texel in
// (top-left, top-right, bottom-left, bottom-right) channel order; the
// packing arithmetic mirrors pyramid.PackedCoord and must stay in sync with
// it. The keypoint append buffer is a {count, pad, pad, pad} header of u32
// words followed by 8-float records.
const kernelProgramSource = `
#define TILE 16
#define HALO 16
#define ORI_BINS 36
#define ORI_WG 256
#define ORI_QUANTUM 1024.0f
#define DESC_WG 64
#define EXTREMA_WG 64
#define TWO_PI 6.283185307179586f

inline float pick_channel(float4 t, int comp) {
	if (comp == 0) return t.x;
	if (comp == 1) return t.y;
	if (comp == 2) return t.z;
	return t.w;
}

inline float load_logical(__global const float4 *plane, int pw, int lw, int lh, int lx, int ly) {
	lx = clamp(lx, 0, lw - 1);
	ly = clamp(ly, 0, lh - 1);
	float4 t = plane[(ly >> 1) * pw + (lx >> 1)];
	return pick_channel(t, ((ly & 1) << 1) | (lx & 1));
}

inline float sample_bilinear(__global const float4 *plane, int pw, int lw, int lh, float fx, float fy) {
	int x0 = (int)floor(fx);
	int y0 = (int)floor(fy);
	float ax = fx - (float)x0;
	float ay = fy - (float)y0;

	float v00 = load_logical(plane, pw, lw, lh, x0, y0);
	float v10 = load_logical(plane, pw, lw, lh, x0 + 1, y0);
	float v01 = load_logical(plane, pw, lw, lh, x0, y0 + 1);
	float v11 = load_logical(plane, pw, lw, lh, x0 + 1, y0 + 1);

	float top = v00 + (v10 - v00) * ax;
	float bot = v01 + (v11 - v01) * ax;
	return top + (bot - top) * ay;
}

/* Stage 1: RGBA8 input to packed grayscale. One thread per packed texel;
 * each thread owns the four logical pixels of its 2x2 block. */
__kernel void grayscale_pack(
	__global const uchar *rgba,
	const int width,
	const int height,
	const int stride,
	__global float4 *out,
	const int pw,
	const int ph) {

	const int px = get_global_id(0);
	const int py = get_global_id(1);
	if (px >= pw || py >= ph) {
		return;
	}

	float v[4];
	for (int c = 0; c < 4; ++c) {
		int lx = min(px * 2 + (c & 1), width - 1);
		int ly = min(py * 2 + (c >> 1), height - 1);
		const int o = ly * stride + lx * 4;
		const float r = (float)rgba[o + 0] / 255.0f;
		const float g = (float)rgba[o + 1] / 255.0f;
		const float b = (float)rgba[o + 2] / 255.0f;
		v[c] = 0.299f * r + 0.587f * g + 0.114f * b;
	}
	out[py * pw + px] = (float4)(v[0], v[1], v[2], v[3]);
}

/* Stage 2a: horizontal pass of the separable blur. A TILE x TILE workgroup
 * caches its packed row segment plus a HALO-texel apron in local memory;
 * every logical tap then resolves inside the tile. */
__kernel void blur_h_packed(
	__global const float4 *src,
	const uint srcOffset,
	__global float4 *dst,
	const uint dstOffset,
	const int pw,
	const int ph,
	const int lw,
	const int lh,
	__global const float *taps,
	const int radius) {

	__local float4 tile[TILE][TILE + 2 * HALO];

	const int gx = get_global_id(0);
	const int gy = get_global_id(1);
	const int lx = get_local_id(0);
	const int ly = get_local_id(1);
	const int originX = get_group_id(0) * TILE;

	const int sy = min(gy, ph - 1);
	for (int i = lx; i < TILE + 2 * HALO; i += TILE) {
		const int sx = clamp(originX + i - HALO, 0, pw - 1);
		tile[ly][i] = src[srcOffset + sy * pw + sx];
	}
	barrier(CLK_LOCAL_MEM_FENCE);

	if (gx >= pw || gy >= ph) {
		return;
	}

	float acc[4];
	for (int c = 0; c < 4; ++c) {
		const int x0 = gx * 2 + (c & 1);
		const int yParity = c >> 1;
		float sum = 0.0f;
		for (int k = -radius; k <= radius; ++k) {
			const int sxl = clamp(x0 + k, 0, lw - 1);
			const int ti = (sxl >> 1) - originX + HALO;
			sum += taps[k + radius] * pick_channel(tile[ly][ti], (yParity << 1) | (sxl & 1));
		}
		acc[c] = sum;
	}
	dst[dstOffset + gy * pw + gx] = (float4)(acc[0], acc[1], acc[2], acc[3]);
}

/* Stage 2b: vertical pass. */
__kernel void blur_v_packed(
	__global const float4 *src,
	const uint srcOffset,
	__global float4 *dst,
	const uint dstOffset,
	const int pw,
	const int ph,
	const int lw,
	const int lh,
	__global const float *taps,
	const int radius) {

	__local float4 tile[TILE + 2 * HALO][TILE];

	const int gx = get_global_id(0);
	const int gy = get_global_id(1);
	const int lx = get_local_id(0);
	const int ly = get_local_id(1);
	const int originY = get_group_id(1) * TILE;

	const int sx = min(gx, pw - 1);
	for (int i = ly; i < TILE + 2 * HALO; i += TILE) {
		const int sy = clamp(originY + i - HALO, 0, ph - 1);
		tile[i][lx] = src[srcOffset + sy * pw + sx];
	}
	barrier(CLK_LOCAL_MEM_FENCE);

	if (gx >= pw || gy >= ph) {
		return;
	}

	float acc[4];
	for (int c = 0; c < 4; ++c) {
		const int y0 = gy * 2 + (c >> 1);
		const int xParity = c & 1;
		float sum = 0.0f;
		for (int k = -radius; k <= radius; ++k) {
			const int syl = clamp(y0 + k, 0, lh - 1);
			const int ti = (syl >> 1) - originY + HALO;
			sum += taps[k + radius] * pick_channel(tile[ti][lx], ((syl & 1) << 1) | xParity);
		}
		acc[c] = sum;
	}
	dst[dstOffset + gy * pw + gx] = (float4)(acc[0], acc[1], acc[2], acc[3]);
}

/* Stage 3: octave transition. The top-left channel of four source texels
 * becomes one destination texel, which keeps every other logical pixel. */
__kernel void downsample_packed(
	__global const float4 *src,
	const uint srcOffset,
	const int spw,
	const int sph,
	__global float4 *dst,
	const uint dstOffset,
	const int dpw,
	const int dph) {

	const int dx = get_global_id(0);
	const int dy = get_global_id(1);
	if (dx >= dpw || dy >= dph) {
		return;
	}

	const int sx0 = min(dx * 2, spw - 1);
	const int sx1 = min(dx * 2 + 1, spw - 1);
	const int sy0 = min(dy * 2, sph - 1);
	const int sy1 = min(dy * 2 + 1, sph - 1);

	dst[dstOffset + dy * dpw + dx] = (float4)(
		src[srcOffset + sy0 * spw + sx0].x,
		src[srcOffset + sy0 * spw + sx1].x,
		src[srcOffset + sy1 * spw + sx0].x,
		src[srcOffset + sy1 * spw + sx1].x);
}

/* Stage 4: DoG as a per-texel vector subtract, D[s] = G[s+1] - G[s]. */
__kernel void dog_packed(
	__global const float4 *gauss,
	const uint upperOffset,
	const uint lowerOffset,
	__global float4 *dog,
	const uint dogOffset,
	const int pw,
	const int ph) {

	const int idx = get_global_id(0);
	if (idx >= pw * ph) {
		return;
	}
	dog[dogOffset + idx] = gauss[upperOffset + idx] - gauss[lowerOffset + idx];
}

/* Stage 5: scale-space extremum detection. One thread owns one packed texel
 * and iterates its four sub-pixels, which keeps duplicate detection out of
 * the append buffer. Candidates aggregate in local memory so each workgroup
 * takes the global counter once. */
__kernel void detect_extrema_packed(
	__global const float4 *dog,
	const uint belowOffset,
	const uint midOffset,
	const uint aboveOffset,
	const int pw,
	const int ph,
	const int lw,
	const int lh,
	const float contrastThreshold,
	const float edgeThreshold,
	const float octaveScale,
	const float scaleIndex,
	const float octaveIndex,
	const float sigmaScaled,
	__global uint *kpbuf,
	const uint capacity) {

	__local uint lcount;
	__local uint lbase;
	__local float lrec[EXTREMA_WG * 4 * 8];

	const int tid = get_local_id(0);
	if (tid == 0) {
		lcount = 0;
	}
	barrier(CLK_LOCAL_MEM_FENCE);

	const int idx = get_global_id(0);
	const int px = idx % pw;
	const int py = idx / pw;

	if (py < ph) {
		for (int c = 0; c < 4; ++c) {
			const int x = px * 2 + (c & 1);
			const int y = py * 2 + (c >> 1);
			if (x < 1 || y < 1 || x >= lw - 1 || y >= lh - 1) {
				continue;
			}

			const float v = load_logical(dog + midOffset, pw, lw, lh, x, y);
			if (fabs(v) < contrastThreshold) {
				continue;
			}

			bool isMax = v > 0.0f;
			bool pass = true;
			for (int dy = -1; dy <= 1 && pass; ++dy) {
				for (int dx = -1; dx <= 1 && pass; ++dx) {
					const float nb = load_logical(dog + belowOffset, pw, lw, lh, x + dx, y + dy);
					const float na = load_logical(dog + aboveOffset, pw, lw, lh, x + dx, y + dy);
					if (isMax) {
						if (v <= nb || v <= na) pass = false;
					} else {
						if (v >= nb || v >= na) pass = false;
					}
					if (dx == 0 && dy == 0) continue;
					const float nm = load_logical(dog + midOffset, pw, lw, lh, x + dx, y + dy);
					if (isMax) {
						if (v <= nm) pass = false;
					} else {
						if (v >= nm) pass = false;
					}
				}
			}
			if (!pass) {
				continue;
			}

			const float dxx = load_logical(dog + midOffset, pw, lw, lh, x + 1, y) +
				load_logical(dog + midOffset, pw, lw, lh, x - 1, y) - 2.0f * v;
			const float dyy = load_logical(dog + midOffset, pw, lw, lh, x, y + 1) +
				load_logical(dog + midOffset, pw, lw, lh, x, y - 1) - 2.0f * v;
			const float dxy = (load_logical(dog + midOffset, pw, lw, lh, x + 1, y + 1) -
				load_logical(dog + midOffset, pw, lw, lh, x + 1, y - 1) -
				load_logical(dog + midOffset, pw, lw, lh, x - 1, y + 1) +
				load_logical(dog + midOffset, pw, lw, lh, x - 1, y - 1)) * 0.25f;

			const float tr = dxx + dyy;
			const float det = dxx * dyy - dxy * dxy;
			if (det <= 0.0f || tr * tr * edgeThreshold >= (edgeThreshold + 1.0f) * (edgeThreshold + 1.0f) * det) {
				continue;
			}

			const uint li = atomic_inc(&lcount);
			__local float *rec = lrec + li * 8;
			rec[0] = (float)x * octaveScale;
			rec[1] = (float)y * octaveScale;
			rec[2] = octaveIndex;
			rec[3] = scaleIndex;
			rec[4] = sigmaScaled;
			rec[5] = 0.0f;
			rec[6] = 0.0f;
			rec[7] = 0.0f;
		}
	}

	barrier(CLK_LOCAL_MEM_FENCE);
	if (tid == 0) {
		lbase = atomic_add(&kpbuf[0], lcount);
	}
	barrier(CLK_LOCAL_MEM_FENCE);

	__global float *records = (__global float *)(kpbuf + 4);
	for (uint i = tid; i < lcount; i += EXTREMA_WG) {
		const uint slot = lbase + i;
		if (slot >= capacity) {
			continue;
		}
		__global float *out = records + slot * 8;
		__local const float *rec = lrec + i * 8;
		for (int w = 0; w < 8; ++w) {
			out[w] = rec[w];
		}
	}
}

/* Stage 6: one thread synthesizes the indirect-dispatch record from the
 * keypoint count. Orientation spills into Y above 65535 groups; descriptors
 * dispatch 64-wide; everything floors at one workgroup. */
__kernel void prepare_dispatch(
	__global const uint *kpbuf,
	const uint capacity,
	__global uint *indirect) {

	if (get_global_id(0) != 0) {
		return;
	}
	const uint count = min(kpbuf[0], capacity);
	indirect[0] = max(min(count, 65535u), 1u);
	indirect[1] = max((count + 65534u) / 65535u, 1u);
	indirect[2] = 1u;
	indirect[3] = max((count + 63u) / 64u, 1u);
	indirect[4] = 1u;
	indirect[5] = 1u;
}

/* Stage 7: reference orientation. One 256-thread workgroup owns one
 * keypoint and cooperates on a shared 36-bin histogram; the stage runs once
 * per octave and non-matching keypoints fall through. */
__kernel void orientation(
	__global uint *kpbuf,
	const uint capacity,
	__global const float4 *gauss,
	const uint planeStride,
	const int pw,
	const int ph,
	const int lw,
	const int lh,
	const int octave,
	const int scalesPerOctave,
	const float sigmaBase) {

	__local uint hist[ORI_BINS];
	__local int window[4]; // x, y, radius, valid

	const uint wid = get_group_id(0) + get_group_id(1) * 65535u;
	const uint count = min(kpbuf[0], capacity);
	if (wid >= count) {
		return;
	}

	const int tid = get_local_id(0);
	__global float *rec = (__global float *)(kpbuf + 4) + wid * 8;

	for (int i = tid; i < ORI_BINS; i += ORI_WG) {
		hist[i] = 0u;
	}

	const int kpOctave = (int)rec[2];
	const int scale = (int)rec[3];
	const float octaveScale = (float)(1 << octave);
	const float sigma = sigmaBase * pow(2.0f, (float)scale / (float)scalesPerOctave);

	if (tid == 0) {
		window[0] = (int)round(rec[0] / octaveScale);
		window[1] = (int)round(rec[1] / octaveScale);
		window[2] = max((int)round(sigma * 1.5f * 3.0f), 1);
		window[3] = kpOctave == octave ? 1 : 0;
	}
	barrier(CLK_LOCAL_MEM_FENCE);

	if (window[3] == 0) {
		return;
	}

	const int cx = window[0];
	const int cy = window[1];
	const int radius = window[2];
	const int side = 2 * radius + 1;
	const float invDenom = 1.0f / (2.0f * (1.5f * sigma) * (1.5f * sigma));
	__global const float4 *plane = gauss + (uint)scale * planeStride;

	for (int p = tid; p < side * side; p += ORI_WG) {
		const int dx = p % side - radius;
		const int dy = p / side - radius;
		if (dx * dx + dy * dy > radius * radius) {
			continue;
		}
		const int x = cx + dx;
		const int y = cy + dy;
		if (x < 1 || y < 1 || x >= lw - 1 || y >= lh - 1) {
			continue;
		}
		const float gx = (load_logical(plane, pw, lw, lh, x + 1, y) -
			load_logical(plane, pw, lw, lh, x - 1, y)) * 0.5f;
		const float gy = (load_logical(plane, pw, lw, lh, x, y + 1) -
			load_logical(plane, pw, lw, lh, x, y - 1)) * 0.5f;
		const float mag = sqrt(gx * gx + gy * gy);
		if (mag == 0.0f) {
			continue;
		}
		float theta = atan2(gy, gx);
		if (theta < 0.0f) {
			theta += TWO_PI;
		}
		const float w = mag * exp(-(float)(dx * dx + dy * dy) * invDenom);
		const int bin = (int)(theta * (float)ORI_BINS / TWO_PI) % ORI_BINS;
		atomic_add(&hist[bin], (uint)(w * ORI_QUANTUM));
	}
	barrier(CLK_LOCAL_MEM_FENCE);

	if (tid != 0) {
		return;
	}

	float smoothed[ORI_BINS];
	for (int i = 0; i < ORI_BINS; ++i) {
		const float l = (float)hist[(i + ORI_BINS - 1) % ORI_BINS];
		const float m = (float)hist[i];
		const float r = (float)hist[(i + 1) % ORI_BINS];
		smoothed[i] = 0.25f * l + 0.5f * m + 0.25f * r;
	}

	int best = 0;
	for (int i = 1; i < ORI_BINS; ++i) {
		if (smoothed[i] > smoothed[best]) {
			best = i;
		}
	}

	const float l = smoothed[(best + ORI_BINS - 1) % ORI_BINS];
	const float r = smoothed[(best + 1) % ORI_BINS];
	const float m = smoothed[best];
	float peak = (float)best;
	const float denom = l - 2.0f * m + r;
	if (denom != 0.0f) {
		peak += 0.5f * (l - r) / denom;
	}

	float angle = peak * TWO_PI / (float)ORI_BINS;
	if (angle < 0.0f) {
		angle += TWO_PI;
	}
	if (angle >= TWO_PI) {
		angle -= TWO_PI;
	}
	rec[5] = angle;
}

/* Stage 8: descriptor extraction, one keypoint per thread. The 16x16
 * sampling grid rotates into the keypoint frame and accumulates into a
 * private 4x4x8 histogram with trilinear weights, then the two-stage
 * normalization runs: unit L2, clamp 0.2, unit L2. */
__kernel void descriptor(
	__global const uint *kpbuf,
	const uint capacity,
	__global const float4 *gauss,
	const uint planeStride,
	const int pw,
	const int ph,
	const int lw,
	const int lh,
	const int octave,
	const int scalesPerOctave,
	const float sigmaBase,
	const int quantize,
	__global float *descOut,
	__global uint *descQuantOut) {

	const uint i = get_global_id(0);
	const uint count = min(kpbuf[0], capacity);
	if (i >= count) {
		return;
	}

	__global const float *rec = (__global const float *)(kpbuf + 4) + i * 8;
	if ((int)rec[2] != octave) {
		return;
	}

	const float octaveScale = (float)(1 << octave);
	const float cx = rec[0] / octaveScale;
	const float cy = rec[1] / octaveScale;
	const int scale = (int)rec[3];
	const float theta = rec[5];
	const float cosT = cos(theta);
	const float sinT = sin(theta);
	const float sigma = sigmaBase * pow(2.0f, (float)scale / (float)scalesPerOctave);
	const float step = 0.75f * sigma;
	__global const float4 *plane = gauss + (uint)scale * planeStride;

	float hist[128];
	for (int k = 0; k < 128; ++k) {
		hist[k] = 0.0f;
	}

	for (int r = -8; r < 8; ++r) {
		for (int c = 0; c < 16; ++c) {
			const int cc = c - 8;
			const float fx = (float)cc * cosT - (float)r * sinT;
			const float fy = (float)cc * sinT + (float)r * cosT;
			const float sx = cx + step * fx;
			const float sy = cy + step * fy;

			if (sx < 2.0f || sy < 2.0f || sx > (float)(lw - 3) || sy > (float)(lh - 3)) {
				continue;
			}

			const float gx = (sample_bilinear(plane, pw, lw, lh, sx + 1.0f, sy) -
				sample_bilinear(plane, pw, lw, lh, sx - 1.0f, sy)) * 0.5f;
			const float gy = (sample_bilinear(plane, pw, lw, lh, sx, sy + 1.0f) -
				sample_bilinear(plane, pw, lw, lh, sx, sy - 1.0f)) * 0.5f;
			const float mag = sqrt(gx * gx + gy * gy);
			if (mag == 0.0f) {
				continue;
			}

			float ori = atan2(gy, gx) - theta;
			while (ori < 0.0f) {
				ori += TWO_PI;
			}
			while (ori >= TWO_PI) {
				ori -= TWO_PI;
			}

			const float weight = mag * exp(-(float)(r * r + cc * cc) / 128.0f);
			const float rbin = ((float)r + 8.0f) / 4.0f - 0.5f;
			const float cbin = ((float)cc + 8.0f) / 4.0f - 0.5f;
			const float obin = ori * 8.0f / TWO_PI;

			const int r0 = (int)floor(rbin);
			const int c0 = (int)floor(cbin);
			const int o0 = (int)floor(obin);
			const float fr = rbin - (float)r0;
			const float fc = cbin - (float)c0;
			const float fo = obin - (float)o0;

			for (int dr = 0; dr <= 1; ++dr) {
				const int ri = r0 + dr;
				if (ri < 0 || ri >= 4) continue;
				const float wr = weight * (dr == 0 ? 1.0f - fr : fr);
				for (int dc = 0; dc <= 1; ++dc) {
					const int ci = c0 + dc;
					if (ci < 0 || ci >= 4) continue;
					const float wc = wr * (dc == 0 ? 1.0f - fc : fc);
					for (int dob = 0; dob <= 1; ++dob) {
						const int oi = (o0 + dob) & 7;
						const float wo = wc * (dob == 0 ? 1.0f - fo : fo);
						hist[(ri * 4 + ci) * 8 + oi] += wo;
					}
				}
			}
		}
	}

	float norm = 0.0f;
	for (int k = 0; k < 128; ++k) {
		norm += hist[k] * hist[k];
	}
	if (norm > 0.0f) {
		const float inv = rsqrt(norm);
		for (int k = 0; k < 128; ++k) {
			hist[k] = min(hist[k] * inv, 0.2f);
		}
	}
	norm = 0.0f;
	for (int k = 0; k < 128; ++k) {
		norm += hist[k] * hist[k];
	}
	if (norm > 0.0f) {
		const float inv = rsqrt(norm);
		for (int k = 0; k < 128; ++k) {
			hist[k] *= inv;
		}
	}

	if (quantize != 0) {
		__global uint *out = descQuantOut + i * 32;
		for (int w = 0; w < 32; ++w) {
			uint packed = 0u;
			for (int bts = 0; bts < 4; ++bts) {
				const float scaled = min(hist[w * 4 + bts] * 512.0f, 255.0f);
				packed |= ((uint)round(scaled) & 0xFFu) << (bts * 8);
			}
			out[w] = packed;
		}
	} else {
		__global float *out = descOut + i * 128;
		for (int k = 0; k < 128; ++k) {
			out[k] = hist[k];
		}
	}
}
`
