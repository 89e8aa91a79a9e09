package match

// matchProgramSource holds the three brute-force matcher kernels. Each
// thread owns one query and streams through all train descriptors tracking
// the best and second-best squared distances. The result record is four
// 32-bit words: (best_index, best_dist_sq, second_dist_sq, pad), with the
// index bitcast into the float slot and -1 meaning no candidate considered.
const matchProgramSource = `
#define DESC_DIM 128
#define MATCH_WG 64

__kernel void match_bruteforce(
	__global const float *queries,
	const uint queryCount,
	__global const float *trains,
	const uint trainCount,
	__global float4 *results) {

	const uint i = get_global_id(0);
	if (i >= queryCount) {
		return;
	}

	__global const float *q = queries + i * DESC_DIM;

	int best = -1;
	float bestSq = FLT_MAX;
	float secondSq = FLT_MAX;

	for (uint j = 0; j < trainCount; ++j) {
		__global const float *t = trains + j * DESC_DIM;
		float sum = 0.0f;
		for (int k = 0; k < DESC_DIM; ++k) {
			const float diff = q[k] - t[k];
			sum += diff * diff;
		}
		if (sum < bestSq) {
			secondSq = bestSq;
			bestSq = sum;
			best = (int)j;
		} else if (sum < secondSq) {
			secondSq = sum;
		}
	}

	results[i] = (float4)(as_float(best), bestSq, secondSq, 0.0f);
}

/* Quantized variant: descriptors arrive four bytes per u32 word; squared
 * differences on the [0,255] scale preserve the float ordering. */
__kernel void match_quantized(
	__global const uint *queries,
	const uint queryCount,
	__global const uint *trains,
	const uint trainCount,
	__global float4 *results) {

	const uint i = get_global_id(0);
	if (i >= queryCount) {
		return;
	}

	__global const uint *q = queries + i * (DESC_DIM / 4);

	int best = -1;
	float bestSq = FLT_MAX;
	float secondSq = FLT_MAX;

	for (uint j = 0; j < trainCount; ++j) {
		__global const uint *t = trains + j * (DESC_DIM / 4);
		float sum = 0.0f;
		for (int w = 0; w < DESC_DIM / 4; ++w) {
			const uint qw = q[w];
			const uint tw = t[w];
			for (int b = 0; b < 4; ++b) {
				const float diff = (float)((qw >> (b * 8)) & 0xFFu) - (float)((tw >> (b * 8)) & 0xFFu);
				sum += diff * diff;
			}
		}
		if (sum < bestSq) {
			secondSq = bestSq;
			bestSq = sum;
			best = (int)j;
		} else if (sum < secondSq) {
			secondSq = sum;
		}
	}

	results[i] = (float4)(as_float(best), bestSq, secondSq, 0.0f);
}

/* Guided variant: candidates must sit within epiThreshold of the query's
 * epipolar line l = F * (x, y, 1), F column-major in the uniform buffer. A
 * degenerate line rejects every candidate. */
__kernel void match_guided(
	__global const float *queries,
	const uint queryCount,
	__global const float2 *queryPoints,
	__global const float *trains,
	const uint trainCount,
	__global const float2 *trainPoints,
	__global const float *fmat,
	const float epiThreshold,
	__global float4 *results) {

	const uint i = get_global_id(0);
	if (i >= queryCount) {
		return;
	}

	__global const float *q = queries + i * DESC_DIM;
	const float2 p = queryPoints[i];

	const float l0 = fmat[0] * p.x + fmat[3] * p.y + fmat[6];
	const float l1 = fmat[1] * p.x + fmat[4] * p.y + fmat[7];
	const float l2 = fmat[2] * p.x + fmat[5] * p.y + fmat[8];
	const float denom = sqrt(l0 * l0 + l1 * l1);

	int best = -1;
	float bestSq = FLT_MAX;
	float secondSq = FLT_MAX;

	for (uint j = 0; j < trainCount; ++j) {
		if (denom == 0.0f) {
			break;
		}
		const float2 tp = trainPoints[j];
		if (fabs(l0 * tp.x + l1 * tp.y + l2) / denom > epiThreshold) {
			continue;
		}

		__global const float *t = trains + j * DESC_DIM;
		float sum = 0.0f;
		for (int k = 0; k < DESC_DIM; ++k) {
			const float diff = q[k] - t[k];
			sum += diff * diff;
		}
		if (sum < bestSq) {
			secondSq = bestSq;
			bestSq = sum;
			best = (int)j;
		} else if (sum < secondSq) {
			secondSq = sum;
		}
	}

	results[i] = (float4)(as_float(best), bestSq, secondSq, 0.0f);
}
`
