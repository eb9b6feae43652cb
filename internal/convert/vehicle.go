package convert

// Attribute names referenced outside the catalog.
const (
	AttrDoorLock                = "door_lock"
	AttrKeyStatus               = "key_status"
	AttrLatitude                = "latitude"
	AttrLongitude               = "longitude"
	AttrLocation                = "location"
	AttrAddress                 = "address"
	AttrAddressDetail           = "address_detail"
	AttrCarInfo                 = "car_info"
	AttrSendMessageDevice       = "send_message_device"
	AttrLastDoorNotification    = "last_door_notification_time"
	AttrBasicAPITimestamp       = "basic_api_timestamp"
	AttrCheckAPITimestamp       = "check_api_timestamp"
	AttrTireAPITimestamp        = "tire_api_timestamp"
	AttrYesterdayMileageAPITime = "yesterday_mileage_api_timestamp"
)

// Remote command names resolved through Host.Command.
const (
	CommandSearchCar      = "search_car"
	CommandAuthStart      = "auth_start"
	CommandRefreshAddress = "refresh_address"
)

const (
	catDiagnostic = "diagnostic"
	catConfig     = "config"
)

func number(attr, src string, o Options) Rule {
	return Rule{Attr: attr, Domain: DomainSensor, Kind: KindNumber, Source: src, Options: o}
}

func sticky(attr, src string, o Options) Rule {
	r := number(attr, src, o)
	r.StickyNonZero = true
	return r
}

func binary(attr, src, parent string, reverse bool, o Options) Rule {
	return Rule{Attr: attr, Domain: DomainBinarySensor, Kind: KindBool, Source: src, Parent: parent, Reverse: reverse, Options: o}
}

func plain(attr, src, parent string, o Options) Rule {
	return Rule{Attr: attr, Domain: DomainSensor, Kind: KindPlain, Source: src, Parent: parent, Options: o}
}

func stamp(attr, icon string) Rule {
	return Rule{Attr: attr, Domain: DomainSensor, Kind: KindTimestamp, Source: attr,
		Options: Options{Icon: icon, DeviceClass: "timestamp", Category: catDiagnostic}}
}

func button(attr, command, icon string) Rule {
	return Rule{Attr: attr, Domain: DomainButton, Kind: KindAction, Command: command, Options: Options{Icon: icon}}
}

var (
	battery  = Options{StateClass: "measurement", DeviceClass: "battery", Unit: "%"}
	voltage  = Options{StateClass: "measurement", DeviceClass: "voltage", Unit: "V"}
	distance = func(icon string) Options {
		return Options{Icon: icon, StateClass: "measurement", DeviceClass: "distance", Unit: "km"}
	}
	hidden      = Options{Disabled: true}
	problem     = func(icon string) Options { return Options{Icon: icon, DeviceClass: "problem", Category: catDiagnostic} }
	light       = func(icon string) Options { return Options{Icon: icon, DeviceClass: "light"} }
	tirePress   = Options{Icon: "mdi:car-tire-alert", DeviceClass: "pressure", StateClass: "measurement", Unit: "bar"}
	tireTemp    = Options{Icon: "mdi:tire", DeviceClass: "temperature", StateClass: "measurement", Unit: "°C"}
	carInfoFlag = func(icon, class string) Options {
		return Options{Icon: icon, DeviceClass: class, Category: catDiagnostic}
	}
)

// VehicleRules returns the rule catalog for the SGMW status payloads.
// Order matters: tire_temp and tire_temp_position precede the router that
// reads them.
func VehicleRules() []Rule {
	rules := []Rule{
		number("battery", "carStatus.batterySoc", battery),
		number("battery_temp", "carStatus.batAvgTemp", Options{StateClass: "measurement", DeviceClass: "temperature", Unit: "°C"}),
		sticky("battery_voltage", "carStatus.voltage", voltage),
		number("battery_health", "carStatus.batHealth", Options{Icon: "mdi:battery-heart-variant", StateClass: "measurement", Category: catDiagnostic, Unit: "%"}),
		plain("battery_status", "carStatus.batteryStatus", "", Options{Icon: "mdi:battery-unknown"}),
		sticky("small_battery_voltage", "carStatus.lowBatVol", voltage),
		{Attr: "total_mileage", Domain: DomainSensor, Kind: KindNumber, Source: "carStatus.mileage",
			Options: Options{Icon: "mdi:counter", StateClass: "total", DeviceClass: "distance", Unit: "km"}},
		number("left_mileage", "carStatus.leftMileage", distance("mdi:lightning-bolt")),
		number("left_mileage_oil", "carStatus.oilLeftMileage", distance("mdi:water")),
		sticky("yesterday_mileage", "yesterdayMileage.trip", distance("mdi:clock-outline")),
		number("avgFuel", "carStatus.avgFuel", distance("mdi:water")),
		sticky("total_hev_mileage", "carStatus.hybridMileage", distance("mdi:water")),
		number("oil_level", "carStatus.leftFuel", Options{Icon: "mdi:water-percent", StateClass: "measurement", Unit: "%"}),

		{Attr: AttrDoorLock, Domain: DomainLock, Kind: KindBool, Source: "carStatus.doorLockStatus", Reverse: true,
			Options: Options{Icon: "mdi:car-door-lock"}},
		binary("door1_lock_status", "carStatus.door1LockStatus", AttrDoorLock, false, Options{DeviceClass: "lock"}),
		binary("door2_lock_status", "carStatus.door2LockStatus", AttrDoorLock, false, Options{DeviceClass: "lock"}),
		binary("door3_lock_status", "carStatus.door3LockStatus", AttrDoorLock, false, Options{DeviceClass: "lock"}),
		binary("door4_lock_status", "carStatus.door4LockStatus", AttrDoorLock, false, Options{DeviceClass: "lock"}),
		binary("tail_door_lock_status", "carStatus.tailDoorLockStatus", AttrDoorLock, false, Options{Icon: "mdi:car-back", DeviceClass: "lock"}),

		binary("door_status", "carStatus.doorOpenStatus", "", false, Options{Icon: "mdi:car-door", DeviceClass: "door"}),
		binary("door1_open_status", "carStatus.door1OpenStatus", "door_status", false, Options{DeviceClass: "door", Disabled: true}),
		binary("door2_open_status", "carStatus.door2OpenStatus", "door_status", false, Options{DeviceClass: "door", Disabled: true}),
		binary("door3_open_status", "carStatus.door3OpenStatus", "door_status", false, Options{DeviceClass: "door", Disabled: true}),
		binary("door4_open_status", "carStatus.door4OpenStatus", "door_status", false, Options{DeviceClass: "door", Disabled: true}),
		binary("tail_door_open_status", "carStatus.tailDoorOpenStatus", "door_status", false, Options{Icon: "mdi:car-back", DeviceClass: "door"}),

		binary("window_status", "carStatus.windowOpenStatus", "", false, Options{Icon: "mdi:dock-window", DeviceClass: "window"}),
	}
	for i := 1; i <= 4; i++ {
		n := string(rune('0' + i))
		rules = append(rules, binary("window"+n+"_status", "carStatus.window"+n+"OpenStatus", "window_status", false, hidden))
	}
	for i := 1; i <= 4; i++ {
		n := string(rune('0' + i))
		rules = append(rules, binary("window"+n+"_open_degree", "carStatus.window"+n+"OpenDegree", "window_status", false,
			Options{Icon: "mdi:window-open-variant", Category: catDiagnostic, Disabled: true}))
	}

	rules = append(rules,
		binary("front_fog_light", "carStatus.frontFogLight", "", false, light("mdi:car-light-fog")),
		binary("left_turn_light", "carStatus.leftTurnLight", "", false, light("mdi:car-arrow-left")),
		binary("position_light", "carStatus.positionLight", "", false, light("mdi:car-parking-lights")),
		binary("right_turn_light", "carStatus.rightTurnLight", "", false, light("mdi:car-arrow-right")),
		binary("dip_head_light", "carStatus.dipHeadLight", "", false, light("mdi:car-light-high")),
		binary("low_beam_light", "carStatus.lowBeamLight", "", false, light("mdi:car-light-dimmed")),
		binary("charging", "carStatus.charging", "", false, Options{DeviceClass: "battery_charging"}),
		binary("plugging", "carStatus.vecChrgingSts", "", false, Options{DeviceClass: "plug"}),

		Rule{Attr: AttrKeyStatus, Domain: DomainSensor, Kind: KindMapEnum, Source: "carStatus.keyStatus",
			Map:     map[string]any{"0": "no key", "1": "connected", "2": "started"},
			Options: Options{Icon: "mdi:key"}},
		Rule{Attr: "gear_status", Domain: DomainSensor, Kind: KindMapEnum, Source: "carStatus.autoGearStatus",
			Map:     map[string]any{"10": "P", "12": "D", "13": "N", "14": "R"},
			Options: Options{Icon: "mdi:car-shift-pattern"}},

		binary("engine_power", "checkStatus.enginePow", "", true, problem("mdi:turbine")),
		binary("engine_temp", "checkStatus.engineTemp", "", true, problem("mdi:coolant-temperature")),
		binary("abs", "checkStatus.absio", "", false, problem("mdi:car-brake-abs")),
		binary("power_steering", "checkStatus.pwrStrIo", "", false, problem("mdi:steering")),
		binary("battery_voltage_check", "checkStatus.batVol", "", true, problem("mdi:car-battery")),
		binary("battery_temp_check", "checkStatus.batTemp", "", true, problem("mdi:thermometer")),
		binary("battery_score", "checkStatus.batScore", "", true, problem("mdi:battery-heart-variant")),
		binary("engine_score", "checkStatus.engineScore", "", true, problem("mdi:engine")),
		plain("cdu_state", "checkStatus.cduState", "", Options{Icon: "mdi:eye", Category: catDiagnostic}),

		Rule{Attr: "ac", Domain: DomainClimate, Kind: KindMapEnum, Source: "carStatus.acStatus",
			Map:     map[string]any{"0": "off", "1": "cool", "2": "heat"},
			Options: Options{Icon: "mdi:air-conditioner"}},
		Rule{Attr: "current_temperature", Domain: DomainSensor, Kind: KindNumber, Source: "carStatus.invActTemp", Parent: "ac", Options: hidden},
		Rule{Attr: "target_temperature", Domain: DomainSensor, Kind: KindNumber, Source: "carStatus.accCntTemp", Parent: "ac", Options: hidden},
	)

	for _, pos := range []struct{ name, pressure, status string }{
		{"lf", "lfTirPrsVal", "lfTirPrStat"},
		{"rf", "rfTirPrVal", "rfTirPrStat"},
		{"lr", "lrTirPrVal", "lrTirPrStat"},
		{"rr", "rrTirPrVal", "rrTirPrStat"},
	} {
		rules = append(rules,
			Rule{Attr: "tire_pressure_" + pos.name, Domain: DomainSensor, Kind: KindNumber,
				Source: "tirePressure." + pos.pressure, Precision: 2, Options: tirePress},
			Rule{Attr: "tire_temp_" + pos.name, Domain: DomainSensor, Kind: KindNumber, Options: tireTemp},
			binary("tire_pressure_"+pos.name+"_status", "tirePressure."+pos.status, "", false, problem("mdi:car-tire-alert")),
		)
	}

	rules = append(rules,
		Rule{Attr: "tire_temp", Domain: DomainSensor, Kind: KindNumber, Source: "tirePressure.tirTemp",
			Options: Options{Internal: true}},
		Rule{Attr: "tire_temp_position", Domain: DomainSensor, Kind: KindNumber, Source: "tirePressure.locTirTemp",
			Precision: NoPrecision, Options: Options{Internal: true}},
		Rule{Attr: "tire_temp_router", Domain: DomainSensor, Kind: KindDerived,
			Inputs:  []string{"tire_temp", "tire_temp_position"},
			Routes:  []string{"tire_temp_lf", "tire_temp_rf", "tire_temp_lr", "tire_temp_rr"},
			Options: Options{Internal: true}},

		Rule{Attr: "car_owner_day", Domain: DomainSensor, Kind: KindNumber, Source: "carInfo.carOwnerDay",
			Precision: NoPrecision, Options: Options{Icon: "mdi:calendar-check", StateClass: "total"}},
		binary("has_more_car", "carInfo.hasMoreCar", "", false, carInfoFlag("mdi:car-multiple", "")),
		binary("finish_bind", "carInfo.finishBind", "", false, carInfoFlag("mdi:check-circle", "opening")),
		binary("is_auth_identity", "carInfo.isAuthIdentity", "", false, carInfoFlag("mdi:shield-account", "safety")),
		binary("support_mqtt", "carInfo.supportMqtt", "", false, carInfoFlag("mdi:wifi", "opening")),
		binary("support_hybrid_mileage", "carInfo.supportHybridMileage", "", false, carInfoFlag("mdi:gauge", "opening")),
		binary("support_auto_air", "carInfo.supportAutoAir", "", false, carInfoFlag("mdi:air-conditioner", "opening")),

		Rule{Attr: AttrCarInfo, Domain: DomainSensor, Kind: KindComposite, Source: "carInfo",
			Display: "carName", Default: "unknown vehicle",
			Fields: map[string]string{
				"car_name":           "carName",
				"car_type_name":      "carTypeName",
				"car_year":           "carYear",
				"model":              "model",
				"color_name":         "colorName",
				"car_image":          "image",
				"car_info_id":        "carInfoId",
				"vsn":                "vsn",
				"series_code":        "seriesCode",
				"purchase_shop_num":  "purchaseShopNum",
				"purchase_user_name": "purchaseUserName",
				"color_code":         "colorCode",
				"user_id":            "userId",
			},
			Options: Options{Icon: "mdi:car-info"}},

		Rule{Attr: AttrLocation, Domain: DomainDeviceTracker, Kind: KindPlain, Options: Options{Icon: "mdi:car"}},
		Rule{Attr: AttrLatitude, Domain: DomainSensor, Kind: KindNumber, Source: "carStatus.latitude", Parent: AttrLocation, Precision: 6, Options: hidden},
		Rule{Attr: AttrLongitude, Domain: DomainSensor, Kind: KindNumber, Source: "carStatus.longitude", Parent: AttrLocation, Precision: 6, Options: hidden},
		Rule{Attr: "battery_level", Domain: DomainSensor, Kind: KindNumber, Source: "carStatus.batterySoc", Parent: AttrLocation, Options: hidden},
		plain("vin", "carInfo.vin", AttrLocation, hidden),
		plain("name", "carInfo.carName", AttrLocation, hidden),
		plain("plate", "carInfo.carPlate", AttrLocation, hidden),
		plain("color", "carInfo.colorName", AttrLocation, hidden),
		plain("entity_picture", "carInfo.image", AttrLocation, hidden),
		plain("collect_time", "carStatus.collectTime", AttrLocation, hidden),
		plain(AttrAddress, AttrAddress, AttrLocation, Options{Icon: "mdi:map-marker"}),
		plain(AttrAddressDetail, AttrAddressDetail, AttrAddress, Options{Internal: true}),

		button("search_car", CommandSearchCar, "mdi:car-search"),
		button("auth_start", CommandAuthStart, "mdi:engine"),
		button("refresh_address", CommandRefreshAddress, "mdi:map-refresh"),

		Rule{Attr: SettingBasicRefreshRate, Domain: DomainNumber, Kind: KindNumber, Setting: SettingBasicRefreshRate,
			Precision: NoPrecision, Options: Options{Icon: "mdi:refresh", Unit: "s", Min: 1, Max: 120, Step: 1, Category: catConfig}},
		Rule{Attr: SettingOtherRefreshRate, Domain: DomainNumber, Kind: KindNumber, Setting: SettingOtherRefreshRate,
			Precision: NoPrecision, Options: Options{Icon: "mdi:cloud-refresh-variant", Unit: "s", Min: 10, Max: 3600, Step: 10, Category: catConfig}},
		Rule{Attr: SettingDebugMode, Domain: DomainSwitch, Kind: KindBool, Setting: SettingDebugMode,
			Options: Options{Icon: "mdi:bug-outline", Category: catConfig}},
		Rule{Attr: AttrSendMessageDevice, Domain: DomainSelect, Kind: KindDynamicEnum, Setting: SettingSelectedTarget,
			Options: Options{Icon: "mdi:message-text-outline", Category: catConfig}},

		stamp(AttrBasicAPITimestamp, "mdi:clock-outline"),
		stamp(AttrCheckAPITimestamp, "mdi:clock-outline"),
		stamp(AttrTireAPITimestamp, "mdi:clock-outline"),
		stamp(AttrYesterdayMileageAPITime, "mdi:clock-outline"),
		stamp(AttrLastDoorNotification, "mdi:bell-outline"),
	)
	return rules
}
