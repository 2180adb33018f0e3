package nfs3

var procName = map[uint32]string{
	ProcNull:        "NULL",
	ProcGetAttr:     "GETATTR",
	ProcSetAttr:     "SETATTR",
	ProcLookup:      "LOOKUP",
	ProcAccess:      "ACCESS",
	ProcReadlink:    "READLINK",
	ProcRead:        "READ",
	ProcWrite:       "WRITE",
	ProcCreate:      "CREATE",
	ProcMkdir:       "MKDIR",
	ProcSymlink:     "SYMLINK",
	ProcMknod:       "MKNOD",
	ProcRemove:      "REMOVE",
	ProcRmdir:       "RMDIR",
	ProcRename:      "RENAME",
	ProcLink:        "LINK",
	ProcReaddir:     "READDIR",
	ProcReaddirPlus: "READDIRPLUS",
	ProcFsstat:      "FSSTAT",
	ProcFsinfo:      "FSINFO",
	ProcPathconf:    "PATHCONF",
	ProcCommit:      "COMMIT",
}

func procedureName(proc uint32) string {
	if name, ok := procName[proc]; ok {
		return name
	}
	return "UNKNOWN"
}
