package dfs

//------ Storage: data plane

type StorageSizeArg struct {
	Path Path
}
type StorageSizeReply struct {
	Size int64
}

type StorageReadArg struct {
	Path   Path
	Offset int64
	Length int
}
type StorageReadReply struct {
	Data []byte
}

type StorageWriteArg struct {
	Path   Path
	Offset int64
	Data   []byte
}
type StorageWriteReply struct{}

//------ Storage: command plane

type StorageCreateArg struct {
	Path Path
}
type StorageCreateReply struct {
	Created bool
}

type StorageDeleteArg struct {
	Path Path
}
type StorageDeleteReply struct {
	Deleted bool
}

type StorageCopyArg struct {
	Path   Path
	Source ServerAddress // data plane address of the server holding the bytes
}
type StorageCopyReply struct {
	Copied bool
}

//------ Naming: service

type LockArg struct {
	Path      Path
	Exclusive bool
}
type LockReply struct{}

type UnlockArg struct {
	Path      Path
	Exclusive bool
}
type UnlockReply struct{}

type IsDirectoryArg struct {
	Path Path
}
type IsDirectoryReply struct {
	IsDir bool
}

type ListArg struct {
	Path Path
}
type ListReply struct {
	Names []string
}

type CreateFileArg struct {
	Path Path
}
type CreateFileReply struct {
	Created bool
}

type CreateDirectoryArg struct {
	Path Path
}
type CreateDirectoryReply struct {
	Created bool
}

type DeleteArg struct {
	Path Path
}
type DeleteReply struct {
	Deleted bool
}

type GetStorageArg struct {
	Path Path
}
type GetStorageReply struct {
	Address ServerAddress // data plane address of the primary replica
}

//------ Naming: registration

type RegisterArg struct {
	DataAddress    ServerAddress
	CommandAddress ServerAddress
	Files          []Path
}
type RegisterReply struct {
	Duplicates []Path // paths the registrant must delete locally
}
