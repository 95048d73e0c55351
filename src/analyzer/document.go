// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package analyzer

import (
	"context"
	"fmt"
	"log/slog"

	"forensicworker/src/artifact"
	"forensicworker/src/fingerprint"
	"forensicworker/src/logging"
	"forensicworker/src/model"
)

// progressEvery is how many container members are processed between
// progress reports.
const progressEvery = 10

// DocumentAnalyzer fingerprints a file, or every member of a container.
type DocumentAnalyzer struct{}

func (DocumentAnalyzer) Type() model.AnalysisType { return model.AnalysisDocument }

func (DocumentAnalyzer) Run(ctx context.Context, art artifact.Accessor, progress ProgressFunc) (model.Result, error) {
	if !art.IsContainer() {
		fr, err := fingerprintMember(ctx, art)
		if err != nil {
			if cerr := checkpoint(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, model.AnalyzerError("failed to fingerprint artifact", err)
		}
		progress(100)
		return fr, nil
	}

	members, err := art.Members(ctx)
	if err != nil {
		if cerr := checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, model.AnalyzerError("failed to list artifact contents", err)
	}

	res := &model.DirectoryResult{Files: []model.FileResult{}}
	for i, member := range members {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}

		fr, err := fingerprintMember(ctx, member)
		if err != nil {
			if cerr := checkpoint(ctx); cerr != nil {
				return nil, cerr
			}
			logging.Log(fmt.Sprintf("Skipping %s: %v", member.Ref(), err), slog.LevelWarn)
			res.Skipped++
			res.SkipReasons = append(res.SkipReasons, model.SkipReason{Ref: member.Ref(), Reason: skipReason(err, "unreadable member")})
		} else {
			res.Files = append(res.Files, *fr)
		}

		if (i+1)%progressEvery == 0 {
			progress((i + 1) * 100 / len(members))
		}
	}
	progress(100)
	return res, nil
}

func fingerprintMember(ctx context.Context, art artifact.Accessor) (*model.FileResult, error) {
	if art.IsContainer() {
		return nil, fmt.Errorf("%s is a container", art.Ref())
	}
	rc, err := art.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	fp, err := fingerprint.Compute(ctx, rc)
	if err != nil {
		return nil, err
	}
	fr := &model.FileResult{
		Name:    art.Name(),
		Size:    fp.Size,
		MD5:     fp.MD5,
		SHA256:  fp.SHA256,
		BLAKE3:  fp.BLAKE3,
		Entropy: fp.Entropy,
		MIME:    fp.MIME,
		Preview: fp.Preview,
	}
	if mt, ok := art.(artifact.ModTimer); ok {
		if ts, ok := mt.ModTime(); ok {
			ts = ts.UTC()
			fr.ModifiedAt = &ts
		}
	}
	return fr, nil
}
