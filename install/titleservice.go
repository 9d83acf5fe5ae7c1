package install

import "context"

// MetaStatus reports one installed content-meta record's presence for a
// title, as returned by TitleService.ListMetaStatus.
type MetaStatus struct {
	Type    ContentMetaType
	Version uint32
	Present bool
}

// TitleService is the title_service collaborator: metadata
// queries plus ticket import. The app-control-data and meta-status queries
// are not exercised by the demultiplexer itself but are part of the collaborator surface the archive
// demultiplexer's Finalize path shares with the rest of the install
// pipeline, so the interface carries them for completeness.
type TitleService interface {
	CountMeta(ctx context.Context, titleID string) (int, error)
	ListMetaStatus(ctx context.Context, titleID string) ([]MetaStatus, error)
	GetAppControlData(ctx context.Context, titleID string) (nacp, icon []byte, err error)
	ImportTicket(ctx context.Context, ticket, cert []byte) error

	// InstallContentMeta and InstallApplicationRecord are issued against the
	// title service at Finalize time, once per registered meta blob.
	InstallContentMeta(ctx context.Context, key ContentMetaKey) error
	InstallApplicationRecord(ctx context.Context, titleID string) error
}
