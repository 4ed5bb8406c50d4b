package appointment

import (
	"context"
	"errors"
)

// repoDirectory answers identity questions from the local provider and
// subject tables. Deployments that own identity elsewhere swap in their own
// Directory.
type repoDirectory struct {
	repo Repository
}

func NewRepositoryDirectory(repo Repository) Directory {
	return &repoDirectory{repo: repo}
}

func (d *repoDirectory) IsActiveProvider(ctx context.Context, id int64) (bool, error) {
	p, err := d.repo.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Active, nil
}

func (d *repoDirectory) IsBlacklistedSubject(ctx context.Context, id int64) (bool, error) {
	sub, err := d.repo.GetSubject(ctx, id)
	if err != nil {
		return false, err
	}
	return sub.Blacklisted, nil
}
