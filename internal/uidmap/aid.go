package uidmap

// AppUidStart is the first uid assigned to installed packages; uids below
// it belong to fixed system identities resolved through the AID table.
const AppUidStart = 10000

// AidToUid maps the fixed system identity names to their uids. Not every
// entry appears as a log uid (some are gid-only), which is harmless: the
// matcher only consults the table for names it is asked about.
var AidToUid = map[string]int32{
	"AID_ROOT":                 0,
	"AID_SYSTEM":               1000,
	"AID_RADIO":                1001,
	"AID_BLUETOOTH":            1002,
	"AID_GRAPHICS":             1003,
	"AID_INPUT":                1004,
	"AID_AUDIO":                1005,
	"AID_CAMERA":               1006,
	"AID_LOG":                  1007,
	"AID_COMPASS":              1008,
	"AID_MOUNT":                1009,
	"AID_WIFI":                 1010,
	"AID_ADB":                  1011,
	"AID_INSTALL":              1012,
	"AID_MEDIA":                1013,
	"AID_DHCP":                 1014,
	"AID_SDCARD_RW":            1015,
	"AID_VPN":                  1016,
	"AID_KEYSTORE":             1017,
	"AID_USB":                  1018,
	"AID_DRM":                  1019,
	"AID_MDNSR":                1020,
	"AID_GPS":                  1021,
	"AID_MEDIA_RW":             1023,
	"AID_MTP":                  1024,
	"AID_DRMRPC":               1026,
	"AID_NFC":                  1027,
	"AID_SDCARD_R":             1028,
	"AID_CLAT":                 1029,
	"AID_LOOP_RADIO":           1030,
	"AID_MEDIA_DRM":            1031,
	"AID_PACKAGE_INFO":         1032,
	"AID_SDCARD_PICS":          1033,
	"AID_SDCARD_AV":            1034,
	"AID_SDCARD_ALL":           1035,
	"AID_LOGD":                 1036,
	"AID_SHARED_RELRO":         1037,
	"AID_DBUS":                 1038,
	"AID_TLSDATE":              1039,
	"AID_MEDIA_EX":             1040,
	"AID_AUDIOSERVER":          1041,
	"AID_METRICS_COLL":         1042,
	"AID_METRICSD":             1043,
	"AID_WEBSERV":              1044,
	"AID_DEBUGGERD":            1045,
	"AID_MEDIA_CODEC":          1046,
	"AID_CAMERASERVER":         1047,
	"AID_FIREWALL":             1048,
	"AID_TRUNKS":               1049,
	"AID_NVRAM":                1050,
	"AID_DNS":                  1051,
	"AID_DNS_TETHER":           1052,
	"AID_WEBVIEW_ZYGOTE":       1053,
	"AID_VEHICLE_NETWORK":      1054,
	"AID_MEDIA_AUDIO":          1055,
	"AID_MEDIA_VIDEO":          1056,
	"AID_MEDIA_IMAGE":          1057,
	"AID_TOMBSTONED":           1058,
	"AID_MEDIA_OBB":            1059,
	"AID_ESE":                  1060,
	"AID_OTA_UPDATE":           1061,
	"AID_AUTOMOTIVE_EVS":       1062,
	"AID_LOWPAN":               1063,
	"AID_HSM":                  1064,
	"AID_RESERVED_DISK":        1065,
	"AID_STATSD":               1066,
	"AID_INCIDENTD":            1067,
	"AID_SECURE_ELEMENT":       1068,
	"AID_LMKD":                 1069,
	"AID_LLKD":                 1070,
	"AID_IORAPD":               1071,
	"AID_GPU_SERVICE":          1072,
	"AID_NETWORK_STACK":        1073,
	"AID_GSID":                 1074,
	"AID_FSVERITY_CERT":        1075,
	"AID_CREDSTORE":            1076,
	"AID_EXTERNAL_STORAGE":     1077,
	"AID_EXT_DATA_RW":          1078,
	"AID_EXT_OBB_RW":           1079,
	"AID_CONTEXT_HUB":          1080,
	"AID_VIRTUALIZATIONSERVICE": 1081,
	"AID_ARTD":                 1082,
	"AID_UWB":                  1083,
	"AID_THREAD_NETWORK":       1084,
	"AID_DICED":                1085,
	"AID_DMESGD":               1086,
	"AID_JC_WEAVER":            1087,
	"AID_JC_STRONGBOX":         1088,
	"AID_JC_IDENTITYCRED":      1089,
	"AID_SDK_SANDBOX":          1090,
	"AID_SECURITY_LOG_WRITER":  1091,
	"AID_PRNG_SEEDER":          1092,
	"AID_SHELL":                2000,
	"AID_CACHE":                2001,
	"AID_DIAG":                 2002,
	"AID_NOBODY":               9999,
}

// AidNameForUid returns the identity name for a system uid. Assumes at
// most one name per uid, which holds for the uid (non-gid) range.
func AidNameForUid(uid int32) (string, bool) {
	if uid >= AppUidStart {
		return "", false
	}
	for name, u := range AidToUid {
		if u == uid {
			return name, true
		}
	}
	return "", false
}
